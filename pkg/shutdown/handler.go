// Package shutdown runs registered cleanup functions in reverse order
// when the process receives a termination signal.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Handler manages graceful shutdown.
type Handler struct {
	logger *zap.Logger

	mu          sync.Mutex
	shutdownFns []namedFn
	timeout     time.Duration
	signals     []os.Signal
	done        chan struct{}
	once        sync.Once
}

type namedFn struct {
	name string
	fn   func(context.Context) error
}

// NewHandler creates a shutdown handler with the given overall timeout.
func NewHandler(timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:  logger,
		timeout: timeout,
		signals: []os.Signal{
			os.Interrupt,
			syscall.SIGTERM,
			syscall.SIGQUIT,
		},
		done: make(chan struct{}),
	}
}

// Register adds a named cleanup function. Functions run in reverse
// registration order, so dependents register after their dependencies.
func (h *Handler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFns = append(h.shutdownFns, namedFn{name: name, fn: fn})
}

// Start begins listening for shutdown signals.
func (h *Handler) Start() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)

	go func() {
		sig := <-sigChan
		h.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		h.Shutdown()
	}()
}

// Wait blocks until shutdown is complete.
func (h *Handler) Wait() {
	<-h.done
}

// Shutdown triggers shutdown directly. Safe to call more than once.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.executeShutdown()
		close(h.done)
	})
}

func (h *Handler) executeShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	start := time.Now()
	failures := 0

	h.mu.Lock()
	fns := make([]namedFn, len(h.shutdownFns))
	copy(fns, h.shutdownFns)
	h.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			h.logger.Warn("shutdown timeout exceeded, cleanup incomplete",
				zap.Int("remaining", i+1))
			break
		}

		step := fns[i]
		stepStart := time.Now()
		if err := step.fn(ctx); err != nil {
			failures++
			h.logger.Error("cleanup failed",
				zap.String("step", step.name),
				zap.Duration("took", time.Since(stepStart)),
				zap.Error(err))
			continue
		}
		h.logger.Debug("cleaned up",
			zap.String("step", step.name),
			zap.Duration("took", time.Since(stepStart)))
	}

	if failures > 0 {
		h.logger.Warn("shutdown completed with errors",
			zap.Int("failures", failures),
			zap.Duration("took", time.Since(start)))
		return
	}
	h.logger.Info("graceful shutdown complete", zap.Duration("took", time.Since(start)))
}

// Context returns a context cancelled by the first termination signal.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
