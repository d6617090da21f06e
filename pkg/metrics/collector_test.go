package metrics

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/flowreg/pkg/config"
	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/registry"
)

type stubProvider struct {
	stats      registry.PerformanceStats
	healthy    bool
	components []domain.ComponentInfo
}

func (s *stubProvider) PerformanceStats() registry.PerformanceStats { return s.stats }
func (s *stubProvider) HealthCheck() bool                           { return s.healthy }
func (s *stubProvider) Components() []domain.ComponentInfo          { return s.components }

func TestCollectorEmitsSnapshot(t *testing.T) {
	provider := &stubProvider{
		stats: registry.PerformanceStats{
			Lookups:          1200,
			Registrations:    300,
			CacheHits:        800,
			CacheMisses:      400,
			BloomRejects:     150,
			ActiveFlows:      250,
			HitRate:          0.6667,
			P95LookupLatency: 2 * time.Microsecond,
			MemoryBytes:      1 << 20,
			Uptime:           time.Minute,
		},
		healthy: true,
		components: []domain.ComponentInfo{
			{ID: domain.ComponentTransport, Status: domain.StatusRunning},
			{ID: domain.ComponentSecurity, Status: domain.StatusFailed},
		},
	}

	collector := NewCollector(provider)

	expected := `
# HELP flowreg_lookups_total Total flow lookups.
# TYPE flowreg_lookups_total counter
flowreg_lookups_total 1200
# HELP flowreg_healthy 1 while every internal invariant holds.
# TYPE flowreg_healthy gauge
flowreg_healthy 1
# HELP flowreg_component_up 1 while the component is in the Running state.
# TYPE flowreg_component_up gauge
flowreg_component_up{component="transport"} 1
flowreg_component_up{component="security"} 0
`
	err := testutil.CollectAndCompare(collector, bytes.NewBufferString(expected),
		"flowreg_lookups_total", "flowreg_healthy", "flowreg_component_up")
	require.NoError(t, err)
}

func TestCollectorUnhealthy(t *testing.T) {
	provider := &stubProvider{healthy: false}
	collector := NewCollector(provider)

	expected := `
# HELP flowreg_healthy 1 while every internal invariant holds.
# TYPE flowreg_healthy gauge
flowreg_healthy 0
`
	err := testutil.CollectAndCompare(collector, bytes.NewBufferString(expected),
		"flowreg_healthy")
	require.NoError(t, err)
}

func TestExporterWriteText(t *testing.T) {
	provider := &stubProvider{
		stats:   registry.PerformanceStats{Lookups: 42},
		healthy: true,
	}
	exporter, err := NewExporter(provider)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := exporter.WriteText(&buf)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)
	assert.Contains(t, buf.String(), "flowreg_lookups_total 42")
	assert.Contains(t, buf.String(), "flowreg_healthy 1")
}

func TestExporterOverLiveRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.ChannelDir = t.TempDir()
	r, err := registry.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.RegisterFlow(domain.FlowRecord{
			Key:       domain.NewFlowKey([]byte(fmt.Sprintf("m-%d", i))),
			Component: domain.ComponentTransport,
			Type:      domain.FlowMetricsCollection,
			Timestamp: domain.MonotonicNow(),
		}))
	}

	exporter, err := NewExporter(r)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = exporter.WriteText(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "flowreg_registrations_total 10")
	assert.Contains(t, buf.String(), "flowreg_active_flows 10")
}
