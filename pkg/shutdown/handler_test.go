package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	var order []string
	h.Register("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	h.Register("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})
	h.Register("third", func(ctx context.Context) error {
		order = append(order, "third")
		return nil
	})

	h.Shutdown()
	h.Wait()

	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	ran := false
	h.Register("survives", func(ctx context.Context) error {
		ran = true
		return nil
	})
	h.Register("fails", func(ctx context.Context) error {
		return errors.New("cleanup broke")
	})

	h.Shutdown()
	assert.True(t, ran, "a failing step must not stop earlier steps")
}

func TestShutdownIdempotent(t *testing.T) {
	h := NewHandler(time.Second, zaptest.NewLogger(t))

	count := 0
	h.Register("once", func(ctx context.Context) error {
		count++
		return nil
	})

	h.Shutdown()
	h.Shutdown()
	assert.Equal(t, 1, count)
}

func TestShutdownTimeout(t *testing.T) {
	h := NewHandler(50*time.Millisecond, zaptest.NewLogger(t))

	skipped := false
	h.Register("skipped", func(ctx context.Context) error {
		skipped = true
		return nil
	})
	h.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	start := time.Now()
	h.Shutdown()
	require.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, skipped, "steps after the deadline must not run")
}
