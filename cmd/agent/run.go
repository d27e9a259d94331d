package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xuanbach152/baseline-monitor/internal/agent"
	"github.com/xuanbach152/baseline-monitor/internal/config"
	"github.com/xuanbach152/baseline-monitor/internal/executor"
	"github.com/xuanbach152/baseline-monitor/internal/identity"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/queue"
	"github.com/xuanbach152/baseline-monitor/internal/report"
	"github.com/xuanbach152/baseline-monitor/internal/scanlog"
	"github.com/xuanbach152/baseline-monitor/internal/scanner"
	"github.com/xuanbach152/baseline-monitor/internal/transport"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Register, then heartbeat and scan until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging.Level)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			rt, err := buildRuntime(cfg, logger, metrics.NewAgent(reg))
			if err != nil {
				return err
			}
			defer rt.close()

			var healthServer *http.Server
			if cfg.HealthAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/healthz", rt.agent.HealthzHandler)
				mux.Handle("/metrics", metrics.Handler(reg))

				healthServer = &http.Server{
					Addr:         cfg.HealthAddr,
					Handler:      mux,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 5 * time.Second,
				}
				go func() {
					logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
					if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("healthz server error", slog.Any("error", err))
					}
				}()
			}

			runErr := rt.agent.Run(ctx)

			if healthServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := healthServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn("healthz server shutdown error", slog.Any("error", err))
				}
			}
			return runErr
		},
	}
}

// components bundles the agent and the local state it owns.
type components struct {
	agent      *agent.Agent
	coord      *scanner.Coordinator
	dispatcher *report.Dispatcher
	client     *transport.Client
	closers    []func() error
	logger     *slog.Logger
}

func (r *components) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", slog.Any("error", err))
		}
	}
}

func buildRuntime(cfg *config.AgentConfig, logger *slog.Logger, m *metrics.Agent) (*components, error) {
	client, err := transport.New(transport.ClientConfig{
		BaseURL:     cfg.Backend.APIURL,
		Token:       cfg.Backend.APIToken,
		Timeout:     cfg.RequestTimeout(),
		MaxAttempts: cfg.Backend.RetryAttempts,
		UserAgent:   "baseline-agent/" + version,
	}, logger)
	if err != nil {
		return nil, err
	}

	rt := &components{client: client, logger: logger}

	dispatchOpts := []report.Option{report.WithMetrics(m)}
	var depth agent.Depther
	if cfg.State.OutboxPath != "" {
		outbox, err := queue.Open(cfg.State.OutboxPath)
		if err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
		rt.closers = append(rt.closers, outbox.Close)
		dispatchOpts = append(dispatchOpts, report.WithOutbox(outbox))
		depth = outbox
		m.SetOutboxDepth(int64(outbox.Depth()))
	}
	rt.dispatcher = report.New(client, logger, dispatchOpts...)

	rt.coord = scanner.NewCoordinator(executor.New(logger), cfg.CommandTimeout(), logger,
		scanner.WithMetrics(m),
	)

	agentOpts := []agent.Option{
		agent.WithIdentityCache(identity.NewCache(cfg.State.CachePath)),
		agent.WithMetrics(m),
	}
	if depth != nil {
		agentOpts = append(agentOpts, agent.WithOutbox(depth))
	}
	if cfg.State.HistoryPath != "" {
		hist, err := scanlog.Open(cfg.State.HistoryPath)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open scan history: %w", err)
		}
		rt.closers = append(rt.closers, hist.Close)
		agentOpts = append(agentOpts, agent.WithHistory(hist))
	}

	rt.agent = agent.New(cfg, logger, client, rt.coord, rt.dispatcher, agentOpts...)
	return rt, nil
}
