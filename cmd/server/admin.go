package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/xuanbach152/baseline-monitor/db"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/config"
	"github.com/xuanbach152/baseline-monitor/internal/server/service"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			store, err := storage.New(cmd.Context(), cfg.DatabaseURL, storage.WithMaxConns(cfg.MaxConns))
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := migrate(cmd.Context(), store)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", slog.Int("count", len(applied)), slog.Any("names", applied))
			return nil
		},
	}
}

func newSeedRulesCmd() *cobra.Command {
	var osType string
	cmd := &cobra.Command{
		Use:   "seed-rules [catalog.json]",
		Short: "Sync rule catalogs into the server's rule mirror",
		Long: "With no argument every entry of rules_seed is synced. With a path, that catalog is\n" +
			"synced for the os given by --os.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			seeds := cfg.RulesSeed
			if len(args) == 1 {
				if osType == "" {
					return fmt.Errorf("--os is required with a catalog path")
				}
				seeds = map[string]string{osType: args[0]}
			}
			if len(seeds) == 0 {
				return fmt.Errorf("no catalogs to seed: set rules_seed or pass a path")
			}

			store, err := storage.New(cmd.Context(), cfg.DatabaseURL, storage.WithMaxConns(cfg.MaxConns))
			if err != nil {
				return err
			}
			defer store.Close()

			ledger := service.NewLedger(store, logger)
			n, err := seedRules(cmd.Context(), ledger, seeds, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules synced\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&osType, "os", "", "os type of the catalog given as argument (ubuntu or windows)")
	return cmd
}

func migrate(ctx context.Context, store *storage.Store) ([]string, error) {
	sub, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return store.Migrate(ctx, sub)
}

// seedRules loads each catalog for its os and upserts it into the rule
// mirror. Catalogs are processed in os order so logs are stable.
func seedRules(ctx context.Context, ledger *service.Ledger, seeds map[string]string, logger *slog.Logger) (int, error) {
	targets := make([]string, 0, len(seeds))
	for t := range seeds {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	total := 0
	for _, t := range targets {
		osType, err := catalog.ParseOSType(t)
		if err != nil {
			return total, err
		}
		rules, err := catalog.Load(seeds[t], osType, logger)
		if err != nil {
			return total, fmt.Errorf("load %s catalog: %w", t, err)
		}
		n, err := ledger.SyncCatalog(ctx, rules)
		if err != nil {
			return total, fmt.Errorf("sync %s catalog: %w", t, err)
		}
		logger.Info("rule catalog synced",
			slog.String("os_type", t),
			slog.String("path", seeds[t]),
			slog.Int("rules", n),
		)
		total += n
	}
	return total, nil
}
