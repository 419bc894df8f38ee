// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component. Start blocks until the
// service stops or fails; it receives the lifecycle's run context, which is
// cancelled when shutdown begins.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start(ctx context.Context) error { return f.StartFn(ctx) }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger   *zap.Logger
	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Services start in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until a termination signal is received
// (SIGINT or SIGTERM), a service fails, or ctx is cancelled. Services are
// then stopped in reverse order.
//
// Postcondition: All services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(l.services))
	for _, ns := range l.services {
		go func(ns namedService) {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(ctx); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
				cancel()
			}
		}(ns)
	}

	l.logger.Info("all services started",
		zap.Int("count", len(l.services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(err))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	cancel()
	l.shutdown()

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return nil
}

// shutdown stops services in reverse registration order.
func (l *Lifecycle) shutdown() {
	shutdownStart := time.Now()
	for i := len(l.services) - 1; i >= 0; i-- {
		ns := l.services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
