package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xuanbach152/baseline-monitor/internal/config"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/server/rest"
	"github.com/xuanbach152/baseline-monitor/internal/server/service"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
	ws "github.com/xuanbach152/baseline-monitor/internal/server/websocket"
)

const sweepInterval = time.Minute

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and the event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, logger, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations at startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, runMigrations bool) error {
	logger.Info("baseline server starting",
		slog.String("version", version),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	store, err := storage.New(ctx, cfg.DatabaseURL, storage.WithMaxConns(cfg.MaxConns))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	logger.Info("PostgreSQL storage connected")

	if runMigrations {
		applied, err := migrate(ctx, store)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", slog.Any("names", applied))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewServer(reg)

	bc := ws.NewBroadcaster(logger, 0)
	defer bc.Close()

	registry := service.NewRegistry(store, logger, service.WithEvents(bc), service.WithMetrics(m))
	ledger := service.NewLedger(store, logger, service.WithEvents(bc), service.WithMetrics(m))

	if len(cfg.RulesSeed) > 0 {
		if _, err := seedRules(ctx, ledger, cfg.RulesSeed, logger); err != nil {
			return err
		}
	}

	pubKey, err := loadJWTKey(cfg.JWTPublicKeyPath)
	if err != nil {
		return err
	}
	if pubKey == nil {
		logger.Warn("jwt_public_key_path not configured; operator authentication disabled (dev mode)")
	}
	if cfg.AgentToken == "" {
		logger.Warn("agent_token not configured; agent authentication disabled (dev mode)")
	}

	handler := rest.NewRouter(rest.NewServer(registry, ledger, store, logger), rest.RouterConfig{
		AgentToken:     cfg.AgentToken,
		JWTKey:         pubKey,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		WebSocket:      ws.NewHandler(bc, logger, 0, nil),
		Logger:         logger,
	})

	if cfg.StaleAfter > 0 {
		go registry.RunStaleSweeper(ctx, sweepInterval, cfg.StaleAfter)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close websocket clients first; Shutdown does not wait for hijacked
	// connections.
	bc.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	logger.Info("baseline server exited cleanly")
	return nil
}

func loadJWTKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	key, err := rest.ParseRSAPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse JWT public key: %w", err)
	}
	return key, nil
}
