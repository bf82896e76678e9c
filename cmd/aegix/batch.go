package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/router"
	"github.com/sameehj/aegix/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// batchRequest is one line of a batch file.
type batchRequest struct {
	types.ToolInvocation
	Actor    types.Actor       `json:"actor,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func batchCmd() *cobra.Command {
	var (
		parallel    int
		runDir      string
		policyPath  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "batch <file.jsonl>",
		Short: "Run every invocation in a JSON lines file, printing one result per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			requests, err := readBatch(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := newBroker(ctx, cmd, cfg, brokerOptions{policyPath: policyPath, runsDir: runDir})
			if err != nil {
				return err
			}
			defer b.Close()

			if cfg.WatchPolicies {
				watcher := policy.NewWatcher(b.catalog)
				watcher.SetLogger(b.logger)
				go func() {
					if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
						b.logger.Error("policy_watcher_stopped", "error", err)
					}
				}()
			}
			if metricsAddr != "" {
				shutdown := serveMetrics(metricsAddr, b.logger)
				defer shutdown()
			}

			if parallel <= 0 {
				parallel = cfg.MaxConcurrent
			}
			results := runBatch(ctx, b.router, requests, parallel)

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for i, res := range results {
				out := toResultJSON(res)
				out.Line = requests[i].line
				if err := enc.Encode(out); err != nil {
					return err
				}
				if !res.OK() {
					failed++
				}
			}
			if failed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d runs failed\n", failed, len(results))
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 0, "runs submitted at once (default: max_concurrent)")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "runs output directory (default from config)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file serving the default profile")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the batch runs")
	return cmd
}

type numberedRequest struct {
	batchRequest
	line int
}

func readBatch(path string) ([]numberedRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	var requests []numberedRequest
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var req batchRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
		}
		requests = append(requests, numberedRequest{batchRequest: req, line: lineNum})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return requests, nil
}

// runBatch submits every request and returns results in input order. Router
// admission still bounds live sandboxes; parallel bounds pending submissions.
func runBatch(ctx context.Context, r *router.Router, requests []numberedRequest, parallel int) []router.Result {
	results := make([]router.Result, len(requests))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, req := range requests {
		g.Go(func() error {
			ectx := types.NewExecutionContext(req.Actor, req.Metadata)
			results[i] = r.Submit(ctx, req.ToolInvocation, ectx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics_server_started", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
