package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/config"
	"github.com/xuanbach152/baseline-monitor/internal/executor"
	"github.com/xuanbach152/baseline-monitor/internal/scanlog"
	"github.com/xuanbach152/baseline-monitor/internal/scanner"
)

func newScanCmd() *cobra.Command {
	var (
		reportResults bool
		full          bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan and print the result as JSON",
		Long: "Runs every active rule once and prints the scan summary (or the full result with --full).\n" +
			"With --report the outcomes are also sent to the server under the cached or newly registered agent id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging.Level)
			ctx := cmd.Context()

			var res *scanner.ScanResult
			if reportResults {
				rt, err := buildRuntime(cfg, logger, nil)
				if err != nil {
					return err
				}
				defer rt.close()
				if err := rt.agent.Register(ctx); err != nil {
					return fmt.Errorf("register: %w", err)
				}
				res = rt.agent.ScanOnce(ctx)
			} else {
				coord := scanner.NewCoordinator(executor.New(logger), cfg.CommandTimeout(), logger)
				ref := scanner.AgentRef{Hostname: cfg.Agent.Hostname, OSType: catalog.OSType(cfg.Agent.OSType)}
				res = coord.RunScan(ctx, ref, cfg.Scanner.RulesPath)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var out any = res.Summary()
			if full {
				out = res
			}
			if err := enc.Encode(out); err != nil {
				return err
			}
			if res.TotalRulesChecked == 0 && len(res.Errors) > 0 {
				return errors.New("scan failed: " + res.Errors[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reportResults, "report", false, "send outcomes to the server")
	cmd.Flags().BoolVar(&full, "full", false, "print every outcome instead of the summary")
	return cmd
}

func newValidateRulesCmd() *cobra.Command {
	var osType string
	cmd := &cobra.Command{
		Use:   "validate-rules [catalog.json]",
		Short: "Load a rule catalog and report how many rules are usable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			level := "warn"
			if path == "" || osType == "" {
				cfg, err := config.LoadAgentConfig(cfgFile)
				if err != nil {
					return err
				}
				if path == "" {
					path = cfg.Scanner.RulesPath
				}
				if osType == "" {
					osType = cfg.Agent.OSType
				}
				level = cfg.Logging.Level
			}
			target, err := catalog.ParseOSType(osType)
			if err != nil {
				return err
			}

			rules, err := catalog.Load(path, target, newLogger(level))
			if err != nil {
				return err
			}
			active := 0
			for _, r := range rules {
				if r.Active {
					active++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules loaded (%d active) for %s\n", path, len(rules), active, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&osType, "os", "", "os type of the catalog (ubuntu or windows); defaults to agent.os_type")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Verify the scan history chain and print the latest entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(cfgFile)
			if err != nil {
				return err
			}
			if cfg.State.HistoryPath == "" {
				return errors.New("state.history_path is not configured")
			}
			records, err := scanlog.Tail(cfg.State.HistoryPath, last)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\tpassed=%d failed=%d errored=%d rate=%.2f\n",
					r.Seq, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"), r.Scan.ScanID,
					r.Scan.Passed, r.Scan.Failed, r.Scan.Errored, r.Scan.ComplianceRate)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 10, "number of entries to print (0 for all)")
	return cmd
}
