package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sameehj/aegix/pkg/env"
	"github.com/sameehj/aegix/pkg/router"
	"github.com/sameehj/aegix/pkg/types"
	"github.com/spf13/cobra"
)

const defaultToolName = "shell"

type runFlags struct {
	cmd      string
	tool     string
	image    string
	runDir   string
	policy   string
	profile  string
	cwd      string
	actor    string
	envPairs []string
	envFile  string
	metadata map[string]string
	jsonOut  bool
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single command in an isolated sandbox and persist artifacts + events",
		Long: `Run a single command in an isolated sandbox and persist artifacts + events.

The process exits 0 on success and with the command's own code when it fails.
Broker failures use fixed codes: 2 invalid call, 124 timeout, 125 backend
error, 126 denied by policy. A command can exit with those codes too, so
callers that must tell them apart read the "error:" line, or error_type
with --json (NONZERO_EXIT for the command's own failures).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inv, err := f.invocation()
			if err != nil {
				return err
			}

			b, err := newBroker(cmd.Context(), cmd, cfg, brokerOptions{policyPath: f.policy, runsDir: f.runDir})
			if err != nil {
				return err
			}
			defer b.Close()

			ectx := types.NewExecutionContext(types.Actor(f.actor), f.metadata)
			res := b.router.Submit(cmd.Context(), inv, ectx)
			if f.jsonOut {
				if err := writeResultJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				writeResult(cmd.OutOrStdout(), res)
			}
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.cmd, "cmd", "", "command to run inside the sandbox")
	cmd.Flags().StringVar(&f.tool, "tool", defaultToolName, "tool name used for per-tool policy limits")
	cmd.Flags().StringVar(&f.image, "image", "", "sandbox image (default from config)")
	cmd.Flags().StringVar(&f.runDir, "run-dir", "", "runs output directory (default from config)")
	cmd.Flags().StringVar(&f.policy, "policy", "", "policy file serving the default profile")
	cmd.Flags().StringVar(&f.profile, "profile", "", "policy profile to evaluate against")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory inside the sandbox (default /workspace)")
	cmd.Flags().StringVar(&f.actor, "actor", string(types.ActorCLI), "actor recorded for the run (cli, agent, service)")
	cmd.Flags().StringArrayVarP(&f.envPairs, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "file of KEY=VALUE environment variables")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "metadata key=value recorded in the report")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func (f runFlags) invocation() (types.ToolInvocation, error) {
	vars := map[string]string{}
	if f.envFile != "" {
		fileVars, err := env.ParseFile(f.envFile)
		if err != nil {
			return types.ToolInvocation{}, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	pairs, err := env.ParsePairs(f.envPairs)
	if err != nil {
		return types.ToolInvocation{}, err
	}
	for k, v := range pairs {
		vars[k] = v
	}
	if len(vars) == 0 {
		vars = nil
	}
	return types.ToolInvocation{
		ToolName: f.tool,
		Command:  f.cmd,
		Image:    f.image,
		Env:      vars,
		WorkDir:  f.cwd,
		Profile:  f.profile,
	}, nil
}

func writeResult(w io.Writer, res router.Result) {
	fmt.Fprintf(w, "run_id: %s\n", res.RunID)
	fmt.Fprintf(w, "run_dir: %s\n", res.RunDir)
	fmt.Fprintf(w, "exit_code: %d\n", res.ExitCode)
	if res.Err != nil {
		fmt.Fprintf(w, "error: %s: %s\n", res.Err.Kind, res.Err.Detail())
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(w, "stderr (tail): %s\n", res.StderrTail)
	}
}

type resultJSON struct {
	RunID      string `json:"run_id"`
	RunDir     string `json:"run_dir"`
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exit_code"`
	ErrorType  string `json:"error_type,omitempty"`
	Message    string `json:"message,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	Line       int    `json:"line,omitempty"`
}

func toResultJSON(res router.Result) resultJSON {
	out := resultJSON{
		RunID:      res.RunID,
		RunDir:     res.RunDir,
		OK:         res.OK(),
		ExitCode:   res.ExitCode,
		StderrTail: res.StderrTail,
	}
	if res.Err != nil {
		out.ErrorType = string(res.Err.Kind)
		out.Message = res.Err.Detail()
	}
	return out
}

func writeResultJSON(w io.Writer, res router.Result) error {
	return json.NewEncoder(w).Encode(toResultJSON(res))
}
