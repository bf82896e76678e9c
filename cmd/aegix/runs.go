package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sameehj/aegix/pkg/artifact"
	"github.com/sameehj/aegix/pkg/audit"
	"github.com/sameehj/aegix/pkg/runstore"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var (
		limit   int
		outcome string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IndexPath == "" {
				return errors.New("no run index configured (set index_path)")
			}
			store, err := runstore.Open(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), runstore.ListOptions{Limit: limit, Outcome: outcome})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			fmt.Fprintf(out, "%-26s %-10s %-18s %-5s %s\n", "RUN ID", "OUTCOME", "ERROR", "EXIT", "TOOL")
			for _, run := range runs {
				errKind := run.ErrorKind
				if errKind == "" {
					errKind = "-"
				}
				fmt.Fprintf(out, "%-26s %-10s %-18s %-5d %s\n", run.RunID, run.Outcome, errKind, run.ExitCode, run.ToolName)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only list runs with this outcome (SUCCEEDED, FAILED, DENIED, INVALID)")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <run-id|run-dir>",
		Short: "Print a run report and optionally its audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveRunDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report, err := artifact.ReadReport(dir)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(data))
			if !events {
				return nil
			}
			evts, err := audit.ReadEvents(filepath.Join(dir, artifact.EventsFile))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "events:")
			for _, e := range evts {
				fmt.Fprintf(out, "  %s %s\n", e.TS, e.Type)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "also print the audit event timeline")
	return cmd
}

// resolveRunDir accepts a run directory path, or a run id looked up in the
// index and then under runs_dir.
func resolveRunDir(ctx context.Context, arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		return arg, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.IndexPath != "" {
		store, err := runstore.Open(cfg.IndexPath)
		if err != nil {
			return "", err
		}
		defer store.Close()
		run, err := store.Get(ctx, arg)
		if err == nil {
			return run.RunDir, nil
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			return "", err
		}
	}
	dir := filepath.Join(cfg.RunsDir, arg)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("run %s not found", arg)
	}
	return dir, nil
}
