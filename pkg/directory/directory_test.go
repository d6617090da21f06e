package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/transport"
)

func startComponent(t *testing.T, dir string, id domain.ComponentID) *transport.Server {
	t.Helper()
	srv := transport.NewServer(transport.ServerConfig{
		SocketPath: filepath.Join(dir, id.String()+socketSuffix),
	}, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		return msg.Reply(transport.FrameResponse, nil), nil
	}, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Close(ctx)
	})
	return srv
}

func newTestDirectory(t *testing.T, channelDir string, cfg Config) *Directory {
	t.Helper()
	cfg.ChannelDir = channelDir
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	}
	d := New(cfg, transport.NewClient(time.Second, 0), zaptest.NewLogger(t))
	return d
}

func TestDiscoverFindsEndpoints(t *testing.T) {
	dir := t.TempDir()
	startComponent(t, dir, domain.ComponentConsensus)
	startComponent(t, dir, domain.ComponentScheduler)

	// A non-socket file and an unknown name must both be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mystery.sock"), nil, 0o644))

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Discover(context.Background()))

	assert.Len(t, d.Components(), 2)
	info, ok := d.Status(domain.ComponentConsensus)
	require.True(t, ok)
	assert.Equal(t, domain.StatusStarting, info.Status)
}

func TestDiscoverIdempotent(t *testing.T) {
	dir := t.TempDir()
	startComponent(t, dir, domain.ComponentConsensus)

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Discover(context.Background()))
	require.NoError(t, d.Discover(context.Background()))
	assert.Len(t, d.Components(), 1)
}

func TestHeartbeatPromotesToRunning(t *testing.T) {
	dir := t.TempDir()
	startComponent(t, dir, domain.ComponentConsensus)

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	require.Eventually(t, func() bool {
		info, ok := d.Status(domain.ComponentConsensus)
		return ok && info.Status == domain.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	info, _ := d.Status(domain.ComponentConsensus)
	assert.Equal(t, os.Getpid(), info.ProcessID)
	assert.False(t, info.LastHeartbeat.IsZero())
}

func TestHeartbeatTimeoutFailsComponent(t *testing.T) {
	dir := t.TempDir()
	srv := startComponent(t, dir, domain.ComponentSecurity)

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	require.Eventually(t, func() bool {
		info, ok := d.Status(domain.ComponentSecurity)
		return ok && info.Status == domain.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the component without removing its socket file: heartbeats
	// now fail and the timeout must demote it.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))
	// Recreate a dead socket file so only the heartbeat path notices.
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain.ComponentSecurity.String()+socketSuffix), nil, 0o644))

	require.Eventually(t, func() bool {
		info, ok := d.Status(domain.ComponentSecurity)
		return ok && info.Status == domain.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchDetectsNewEndpoint(t *testing.T) {
	dir := t.TempDir()

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	startComponent(t, dir, domain.ComponentNetworking)

	require.Eventually(t, func() bool {
		_, ok := d.Status(domain.ComponentNetworking)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserverReceivesTransitions(t *testing.T) {
	dir := t.TempDir()
	startComponent(t, dir, domain.ComponentContainer)

	d := newTestDirectory(t, dir, Config{})
	events := d.Subscribe()
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	var seen []domain.ComponentStatus
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen = append(seen, ev.Current)
		case <-deadline:
			t.Fatalf("timed out, transitions seen: %v", seen)
		}
	}

	assert.Equal(t, domain.StatusStarting, seen[0])
	assert.Equal(t, domain.StatusRunning, seen[1])
}

func TestBroadcastBestEffort(t *testing.T) {
	dir := t.TempDir()
	received := make(chan []byte, 8)
	srv := transport.NewServer(transport.ServerConfig{
		SocketPath: filepath.Join(dir, domain.ComponentConsensus.String()+socketSuffix),
	}, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		received <- msg.Payload
		return nil, nil
	}, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Close(ctx)
	}()

	d := newTestDirectory(t, dir, Config{})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	require.Eventually(t, func() bool {
		info, ok := d.Status(domain.ComponentConsensus)
		return ok && info.Status == domain.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	sent, err := d.Broadcast(context.Background(), []byte("drain"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("drain"), payload)
	case <-time.After(time.Second):
		t.Fatal("broadcast payload never arrived")
	}
}

func TestHasBootstrap(t *testing.T) {
	dir := t.TempDir()
	startComponent(t, dir, domain.ComponentConsensus)

	d := newTestDirectory(t, dir, Config{
		Bootstrap: []domain.ComponentID{domain.ComponentConsensus, domain.ComponentScheduler},
	})
	require.NoError(t, d.Discover(context.Background()))

	assert.False(t, d.HasBootstrap(), "scheduler endpoint missing")

	startComponent(t, dir, domain.ComponentScheduler)
	require.NoError(t, d.Discover(context.Background()))
	assert.True(t, d.HasBootstrap())
}

func TestStatusStateMachine(t *testing.T) {
	assert.True(t, domain.StatusUnknown.CanTransition(domain.StatusStarting))
	assert.True(t, domain.StatusStarting.CanTransition(domain.StatusRunning))
	assert.True(t, domain.StatusRunning.CanTransition(domain.StatusStopping))
	assert.True(t, domain.StatusStopping.CanTransition(domain.StatusStopped))
	assert.True(t, domain.StatusRunning.CanTransition(domain.StatusFailed))

	assert.False(t, domain.StatusStopped.CanTransition(domain.StatusStarting))
	assert.False(t, domain.StatusFailed.CanTransition(domain.StatusRunning))
	assert.False(t, domain.StatusStarting.CanTransition(domain.StatusStopping))
}
