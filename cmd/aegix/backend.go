package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sameehj/aegix/pkg/backend/remote"
	"github.com/sameehj/aegix/pkg/config"
	"github.com/spf13/cobra"
)

func backendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage sandbox backends",
	}
	cmd.AddCommand(backendServeCmd())
	return cmd
}

func backendServeCmd() *cobra.Command {
	var (
		kind        string
		addr        string
		allowRemote bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a local or docker backend to remote brokers over gRPC",
		Long: `Expose a local or docker backend to remote brokers over gRPC.

WARNING: the endpoint is unauthenticated and unencrypted, and it applies no
policy. Any client that can reach it can run arbitrary commands on this host
(local) or in containers (docker). Policy is enforced by the broker that
dials in. Only loopback addresses are accepted unless --allow-remote is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind == config.BackendRemote {
				return errors.New("backend serve cannot proxy another remote backend")
			}
			if err := checkListenAddr(addr, allowRemote); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sandboxes, closeBackend, err := buildBackend(ctx, cfg, kind, logger)
			if err != nil {
				return err
			}
			defer closeBackend()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			logger.Warn("backend_serving_unauthenticated", "kind", sandboxes.Name(), "addr", lis.Addr().String())
			return remote.NewServer(sandboxes, logger).Serve(ctx, lis)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", config.BackendLocal, "backend to expose (local or docker)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7070", "listen address")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "allow listening on non-loopback addresses")
	return cmd
}

// checkListenAddr refuses non-loopback addresses unless allowRemote is set.
// An empty host listens on every interface.
func checkListenAddr(addr string, allowRemote bool) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if allowRemote {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("refusing to serve on non-loopback address %q without --allow-remote", addr)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
