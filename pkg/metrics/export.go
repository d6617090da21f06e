package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Exporter owns a private registry holding only flowreg metrics, so an
// export never drags in process-global collectors.
type Exporter struct {
	registry  *prometheus.Registry
	collector *Collector
}

// NewExporter builds an exporter over the given provider.
func NewExporter(provider StatsProvider) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(provider)
	if err := reg.Register(collector); err != nil {
		return nil, fmt.Errorf("failed to register collector: %w", err)
	}
	return &Exporter{registry: reg, collector: collector}, nil
}

// WriteText renders the current metrics in Prometheus text exposition
// format into w and returns the byte count.
func (e *Exporter) WriteText(w io.Writer) (int, error) {
	families, err := e.registry.Gather()
	if err != nil {
		return 0, fmt.Errorf("failed to gather metrics: %w", err)
	}

	cw := &countingWriter{w: w}
	enc := expfmt.NewEncoder(cw, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return cw.n, fmt.Errorf("failed to encode metric family %q: %w", mf.GetName(), err)
		}
	}
	return cw.n, nil
}

// Handler returns an http.Handler serving the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
