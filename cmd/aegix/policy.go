package main

import (
	"encoding/json"
	"fmt"

	aerrors "github.com/sameehj/aegix/pkg/errors"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/types"
	"github.com/spf13/cobra"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate, inspect and dry-run policies",
	}
	cmd.AddCommand(policyCheckCmd())
	cmd.AddCommand(policyDumpCmd())
	cmd.AddCommand(policyEvalCmd())
	return cmd
}

func policyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <policy.yaml>...",
		Short: "Validate policy files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				cfg, err := policy.Load(path)
				if err != nil {
					fmt.Fprintf(out, "invalid %s: %v\n", path, err)
					invalid++
					continue
				}
				fmt.Fprintf(out, "ok %s\n", path)
				for _, warning := range cfg.Warnings() {
					fmt.Fprintf(out, "  warning: %s\n", warning)
				}
			}
			if invalid > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func policyDumpCmd() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "dump [policy.yaml]",
		Short: "Print the effective policy with defaults applied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := resolveEngine(cmd, args, profile)
			if err != nil {
				return err
			}
			data, err := policy.Dump(engine.Config())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&profile, "profile", types.DefaultProfile, "configured profile to dump when no file is given")
	return cmd
}

func policyEvalCmd() *cobra.Command {
	var (
		inv        types.ToolInvocation
		policyPath string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate an invocation against policy without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args []string
			if policyPath != "" {
				args = []string{policyPath}
			}
			engine, err := resolveEngine(cmd, args, inv.ProfileName())
			if err != nil {
				return err
			}
			decision := engine.Evaluate(inv, types.NewExecutionContext(types.ActorCLI, nil))
			data, err := json.MarshalIndent(decision, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if !decision.Allow {
				return &exitError{code: aerrors.ExitDeniedPolicy}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inv.Command, "cmd", "", "command to evaluate")
	cmd.Flags().StringVar(&inv.ToolName, "tool", defaultToolName, "tool name used for per-tool limits")
	cmd.Flags().StringVar(&inv.Profile, "profile", "", "policy profile to evaluate against")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file to evaluate against instead of the configured profile")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

// resolveEngine loads the file named in args, or the configured profile.
func resolveEngine(cmd *cobra.Command, args []string, profile string) (*policy.Engine, error) {
	if len(args) == 1 {
		return policy.LoadEngine(args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	catalog, err := buildCatalog(cfg, "", newLogger(cmd, cfg))
	if err != nil {
		return nil, err
	}
	engine, ok := catalog.Lookup(profile)
	if !ok {
		return nil, fmt.Errorf("unknown policy profile %q", profile)
	}
	return engine, nil
}
