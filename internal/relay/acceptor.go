package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openvtt/vttserver/internal/config"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Acceptor serves the WebSocket upgrade endpoint and runs one Session per
// accepted connection. A connection-level failure closes only that
// connection; the shared cancellation signal is reserved for server
// shutdown.
type Acceptor struct {
	cfg     config.NetworkConfig
	sessCfg SessionConfig
	svc     *Services
	health  HealthChecker
	logger  *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: svc, logger must be non-nil; health may be nil to disable
// the readiness endpoint's store check.
func NewAcceptor(cfg config.NetworkConfig, sessCfg SessionConfig, svc *Services, health HealthChecker, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		sessCfg: sessCfg,
		svc:     svc,
		health:  health,
		logger:  logger,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// ListenAndServe binds the listener and serves upgrades until Stop is
// called. This method blocks. Session goroutines receive a cancellation
// context derived from ctx; cancelling ctx or calling Stop ends them.
//
// Postcondition: The listener is closed when this method returns. Only
// listener-level failures produce a non-nil error.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	sessCtx, cancel := context.WithCancel(ctx)

	router := chi.NewRouter()
	router.Get(a.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		a.handleUpgrade(sessCtx, w, r)
	})
	router.Get("/healthz", a.handleHealth)

	server := &http.Server{Handler: router}

	a.mu.Lock()
	a.listener = listener
	a.server = server
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleUpgrade performs the protocol upgrade and runs the session to
// completion on the handler goroutine. The connection is torn down here
// after the session loop returns, whatever the reason.
func (a *Acceptor) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	addr := r.RemoteAddr

	// Join the wait group before upgrading, under the same lock Stop uses
	// to flip running. A handler racing shutdown either registers here,
	// and Stop's Wait covers it, or observes running == false and backs out.
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		a.logger.Error("websocket upgrade failed",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	a.logger.Info("client connected", zap.String("remote_addr", addr))

	sess := NewSession(conn, a.svc, a.sessCfg, a.logger)
	if err := sess.Run(ctx); err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Info("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// handleHealth reports process liveness and, when a health checker is
// wired, store reachability.
func (a *Acceptor) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health.Health(r.Context(), 5*time.Second); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// checkOrigin enforces the configured Origin allowlist. An empty allowlist
// accepts any origin.
func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range a.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Stop gracefully stops the acceptor: the listener closes, every session
// observes cancellation and exits, and all connection goroutines finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	server := a.server
	a.mu.Unlock()

	cancel()
	_ = server.Close()
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet
// listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
