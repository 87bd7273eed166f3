// SPDX-License-Identifier: MIT

// Package daemon manages the process lifecycle: background runners, the
// metrics server and ordered graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/signagekit/signaged/internal/log"
)

// ErrManagerNotStarted is returned by Shutdown before Start has run.
var ErrManagerNotStarted = errors.New("daemon: manager not started")

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Runner is a long-lived background task. Run blocks until its context is
// cancelled; returning any other error brings the daemon down.
type Runner func(ctx context.Context) error

// Config holds the manager settings.
type Config struct {
	// ShutdownTimeout bounds the whole graceful shutdown.
	ShutdownTimeout time.Duration
	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
	// MetricsHandler is the metrics endpoint handler.
	MetricsHandler http.Handler
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedRunner struct {
	name string
	run  Runner
}

// Manager owns the daemon lifecycle.
type Manager struct {
	cfg Config

	metricsServer *http.Server

	mu       sync.Mutex
	runners  []namedRunner
	hooks    []namedHook
	started  bool
	stopping bool
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Manager{cfg: cfg}
}

// AddRunner registers a background task. Must be called before Start.
func (m *Manager) AddRunner(name string, run Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, namedRunner{name: name, run: run})
}

// RegisterShutdownHook registers a cleanup function. Hooks run LIFO.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start runs every registered runner and blocks until the context is
// cancelled or a runner fails, then shuts everything down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: manager already started")
	}
	m.started = true
	runners := make([]namedRunner, len(m.runners))
	copy(runners, m.runners)
	m.mu.Unlock()

	logger := log.WithComponent("daemon")
	logger.Info().
		Int("runners", len(runners)).
		Dur("shutdown_timeout", m.cfg.ShutdownTimeout).
		Str(log.FieldEvent, "daemon.starting").
		Msg("starting daemon manager")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, len(runners)+1)
	if err := m.startMetricsServer(errChan); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r namedRunner) {
			defer wg.Done()
			logger.Debug().Str("runner", r.name).Str(log.FieldEvent, "daemon.runner_started").Msg("runner started")
			if err := r.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().
					Err(err).
					Str("runner", r.name).
					Str(log.FieldEvent, "daemon.runner_failed").
					Msg("runner failed")
				errChan <- fmt.Errorf("runner %s: %w", r.name, err)
			}
		}(r)
	}

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error().Err(runErr).Str(log.FieldEvent, "daemon.failure_shutdown").Msg("runner failure, initiating shutdown")
	case <-ctx.Done():
		logger.Info().Str(log.FieldEvent, "daemon.signal_shutdown").Msg("shutdown signal received")
	}

	cancel()
	wg.Wait()

	// Detached but bounded so shutdown completes even though the parent
	// context is already cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		if runErr != nil {
			return errors.Join(runErr, err)
		}
		return err
	}
	return runErr
}

func (m *Manager) startMetricsServer(errChan chan<- error) error {
	if m.cfg.MetricsAddr == "" || m.cfg.MetricsHandler == nil {
		return nil
	}
	m.metricsServer = &http.Server{
		Addr:              m.cfg.MetricsAddr,
		Handler:           m.cfg.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger := log.WithComponent("daemon")
		logger.Info().
			Str("addr", m.cfg.MetricsAddr).
			Str(log.FieldEvent, "daemon.metrics_listening").
			Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server and runs the shutdown hooks in reverse
// registration order. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	logger := log.WithComponent("daemon")
	var errs []error

	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		start := time.Now()
		if err := hook.hook(ctx); err != nil {
			logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(start)).
				Str(log.FieldEvent, "daemon.hook_failed").
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(start)).
			Str(log.FieldEvent, "daemon.hook_done").
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon: shutdown errors: %w", errors.Join(errs...))
	}
	logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("daemon manager stopped cleanly")
	return nil
}
