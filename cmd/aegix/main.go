package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/backend/docker"
	"github.com/sameehj/aegix/pkg/backend/local"
	"github.com/sameehj/aegix/pkg/backend/remote"
	"github.com/sameehj/aegix/pkg/config"
	"github.com/sameehj/aegix/pkg/env"
	"github.com/sameehj/aegix/pkg/logging"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/router"
	"github.com/sameehj/aegix/pkg/runstore"
	"github.com/sameehj/aegix/pkg/types"
	"github.com/spf13/cobra"
)

var cfgFile string

// exitError carries a process exit code without printing anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aegix",
		Short:         "Policy-gated sandbox execution broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.LoadFromDir(".")
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.aegix/config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(batchCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(backendCmd())
	root.AddCommand(versionCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadConfig(cfgFile)
	}
	return config.LoadDefault()
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
}

// buildCatalog loads every configured profile. The built-in policy serves the
// default profile when no file does.
func buildCatalog(cfg *config.Config, override string, logger *slog.Logger) (*policy.Catalog, error) {
	paths := cfg.PolicyPaths(override)
	catalog, err := policy.LoadCatalog(paths)
	if err != nil {
		return nil, err
	}
	if _, ok := catalog.Lookup(types.DefaultProfile); !ok {
		engine, err := policy.NewEngine(policy.DefaultConfig())
		if err != nil {
			return nil, err
		}
		catalog.Set(types.DefaultProfile, engine)
	}
	for _, profile := range catalog.Profiles() {
		engine, _ := catalog.Lookup(profile)
		for _, warning := range engine.Config().Warnings() {
			logger.Warn("policy_warning", "profile", profile, "warning", warning)
		}
	}
	return catalog, nil
}

func buildBackend(ctx context.Context, cfg *config.Config, kind string, logger *slog.Logger) (backend.Backend, func() error, error) {
	noop := func() error { return nil }
	if kind == "" {
		kind = cfg.Backend.Kind
	}
	switch kind {
	case config.BackendDocker:
		return docker.New(docker.Options{Binary: cfg.Backend.DockerBin, Logger: logger}), noop, nil
	case config.BackendLocal:
		b, err := local.New(local.Options{Root: cfg.Backend.LocalRoot, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	case config.BackendRemote:
		client, err := remote.Dial(ctx, cfg.Backend.Address)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q", kind)
}

type brokerOptions struct {
	policyPath string
	runsDir    string
}

type broker struct {
	router  *router.Router
	catalog *policy.Catalog
	logger  *slog.Logger
	closers []func() error
}

func (b *broker) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn("shutdown_failed", "error", err)
		}
	}
}

func newBroker(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts brokerOptions) (*broker, error) {
	logger := newLogger(cmd, cfg)
	catalog, err := buildCatalog(cfg, opts.policyPath, logger)
	if err != nil {
		return nil, err
	}
	b := &broker{catalog: catalog, logger: logger}

	sandboxes, closeBackend, err := buildBackend(ctx, cfg, "", logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeBackend)

	var index router.RunIndex
	if cfg.IndexPath != "" {
		store, err := runstore.Open(cfg.IndexPath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		index = store
	}

	runsDir := cfg.RunsDir
	if opts.runsDir != "" {
		runsDir = opts.runsDir
	}
	r, err := router.New(sandboxes, catalog, router.Options{
		DefaultImage:    cfg.DefaultImage,
		MaxConcurrent:   cfg.MaxConcurrent,
		TeardownTimeout: cfg.Teardown(),
		RunsRoot:        runsDir,
		Logger:          logger,
		Index:           index,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.router = r
	return b, nil
}
