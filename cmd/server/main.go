// Package main provides the VTT session server: it accepts WebSocket
// connections, authenticates them against persisted users, and relays chat
// and scene data between connected clients.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/openvtt/vttserver/internal/config"
	"github.com/openvtt/vttserver/internal/observability"
	"github.com/openvtt/vttserver/internal/relay"
	"github.com/openvtt/vttserver/internal/server"
	"github.com/openvtt/vttserver/internal/storage/assets"
	"github.com/openvtt/vttserver/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting vtt server",
		zap.String("listen_addr", cfg.Network.Addr()),
		zap.String("ws_path", cfg.Network.Path),
	)

	// Connect to PostgreSQL
	ctx := context.Background()
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	// Build services
	users := postgres.NewUserRepository(pool.DB())
	messages := postgres.NewMessageRepository(pool.DB())
	assetStore := assets.NewStore(cfg.Assets.Dir)

	services := &relay.Services{
		Mailboxes:  relay.NewMailboxes(),
		Identities: relay.NewIdentities(),
		Users:      users,
		Messages:   messages,
		Assets:     assetStore,
	}

	sessCfg := relay.SessionConfig{
		WriteTimeout:      cfg.Network.WriteTimeout,
		DefaultBackground: cfg.Assets.DefaultBackground,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		Burst:             cfg.Limits.Burst,
	}
	acceptor := relay.NewAcceptor(cfg.Network, sessCfg, services, pool, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	lifecycle.Add("acceptor", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			return acceptor.ListenAndServe(ctx)
		},
		StopFn: func() {
			acceptor.Stop()
		},
	})

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("listen_addr", cfg.Network.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
