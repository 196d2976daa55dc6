// Package shutdown coordinates graceful process teardown.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dverbeek/synthd/pkg/logging"
)

// Manager runs registered teardown functions on SIGTERM/SIGINT.
// Functions run in reverse registration order (LIFO), so the HTTP listener
// registered last stops first while the store it depends on is still open.
type Manager struct {
	funcs   []func(context.Context) error
	mu      sync.Mutex
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	logger  *logging.Logger
}

func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Register adds a teardown function.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, fn)
}

// Wait blocks until SIGTERM or SIGINT, then runs the teardown chain.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})

	m.once.Do(func() { close(m.done) })
	m.Shutdown()
}

// Done is closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown runs all registered functions in LIFO order under one deadline.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.funcs) - 1; i >= 0; i-- {
		if err := m.funcs[i](ctx); err != nil {
			m.logger.Error("shutdown step failed", map[string]interface{}{
				"step": i, "error": err.Error(),
			})
		}
	}
	m.logger.Info("graceful shutdown complete", nil)
}

// StopHTTPServer wraps an http.Server-style Shutdown for registration.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource wraps an io.Closer for registration.
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", name, err)
		}
		return nil
	}
}

// DrainWorkers waits for in-flight work to finish, polling until the check
// reports idle or the shutdown deadline hits.
func DrainWorkers(idle func() bool, pollInterval time.Duration, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if idle() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timeout draining %s: %w", name, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
