package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/sameehj/aegix/pkg/artifact"
	"github.com/sameehj/aegix/pkg/audit"
	"github.com/sameehj/aegix/pkg/backend"
	aerrors "github.com/sameehj/aegix/pkg/errors"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/runstore"
	"github.com/sameehj/aegix/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	execStatusCompleted = "completed"
	execStatusTimeout   = "timeout"
	execStatusError     = "error"
)

// flow is the state of one invocation. It is owned by a single goroutine.
type flow struct {
	router *Router
	inv    types.ToolInvocation
	ectx   types.ExecutionContext
	image  string
	runDir string

	span    trace.Span
	logger  *slog.Logger
	started time.Time

	state  State
	states []State

	store    *artifact.Store
	audit    auditLog
	auditErr error

	decision *policy.Decision
	// observed is set only when the command ran to completion.
	observed *types.ExecutionResult
	// partial holds output captured before a timeout.
	partial       *types.ExecutionResult
	outputWritten bool

	err     *aerrors.Error
	outcome artifact.Outcome
	cleanup *artifact.CleanupSummary
}

func (f *flow) open() error {
	store, err := artifact.NewStore(f.runDir)
	if err != nil {
		return err
	}
	log, err := f.router.openAudit(store.Path(artifact.EventsFile))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	f.store = store
	f.audit = log
	return nil
}

func (f *flow) close() {
	if err := f.audit.Close(); err != nil {
		f.logger.Warn("audit_close_failed", "error", err)
	}
}

func (f *flow) run(ctx context.Context) {
	f.record(audit.RunStart, map[string]any{
		"tool_name":      f.inv.ToolName,
		"actor":          string(f.ectx.Actor),
		"image":          f.image,
		"policy_profile": f.inv.ProfileName(),
		"metadata":       f.ectx.Metadata,
	})

	engine, verr := f.validate()
	if verr != nil {
		f.record(audit.ValidationError, map[string]any{
			"error_type": string(verr.Kind),
			"message":    verr.Detail(),
		})
		f.fail(verr, artifact.OutcomeInvalid)
		f.finish(ctx)
		return
	}
	f.transition(StateValidated)

	decision := engine.Evaluate(f.inv, f.ectx)
	f.decision = &decision
	f.transition(StatePolicyEvaluated)
	recordDecision(decision.Allow)
	f.logger.Info("policy_evaluated", "allow", decision.Allow, "reason", decision.Reason)
	f.record(audit.PolicyEvaluated, map[string]any{
		"allow":          decision.Allow,
		"reason":         decision.Reason,
		"policy_profile": f.inv.ProfileName(),
		"adjusted":       decision.Adjusted,
	})

	permit, ok := decision.Permit()
	if !ok {
		f.record(audit.PolicyDeny, map[string]any{"reason": decision.Reason})
		f.err = aerrors.New(aerrors.KindDeniedPolicy, decision.Reason)
		f.outcome = artifact.OutcomeDenied
		f.span.RecordError(f.err)
		f.transition(StateDenied)
		f.finish(ctx)
		return
	}
	f.record(audit.PolicyAllow, map[string]any{"reason": decision.Reason})

	if f.auditErr != nil {
		f.fail(aerrors.Wrap(f.auditErr, aerrors.KindBackend, "audit log unavailable"), artifact.OutcomeFailed)
		f.finish(ctx)
		return
	}

	f.sandboxed(ctx, permit)
	f.finish(ctx)
}

func (f *flow) validate() (*policy.Engine, *aerrors.Error) {
	if strings.TrimSpace(f.inv.ToolName) == "" {
		return nil, aerrors.New(aerrors.KindInvalidToolCall, "tool_name is required")
	}
	if strings.TrimSpace(f.inv.Command) == "" {
		return nil, aerrors.New(aerrors.KindInvalidToolCall, "cmd is required")
	}
	if f.inv.WorkDir != "" && !path.IsAbs(f.inv.WorkDir) {
		return nil, aerrors.Newf(aerrors.KindInvalidToolCall, "cwd must be an absolute path, got %q", f.inv.WorkDir)
	}
	for _, key := range f.inv.EnvKeys() {
		if key == "" || strings.ContainsAny(key, "= \t\n\x00") {
			return nil, aerrors.Newf(aerrors.KindInvalidToolCall, "invalid environment variable name %q", key)
		}
	}
	engine, ok := f.router.policies.Lookup(f.inv.ProfileName())
	if !ok || engine == nil {
		return nil, aerrors.Newf(aerrors.KindInvalidToolCall, "unknown policy profile %q", f.inv.ProfileName())
	}
	return engine, nil
}

// sandboxed owns the sandbox from acquisition through teardown. It is only
// reachable with a Permit from an allowing decision.
func (f *flow) sandboxed(ctx context.Context, permit policy.Permit) {
	f.transition(StateSandboxAcquiring)
	if !permit.Valid() {
		f.fail(aerrors.New(aerrors.KindBackend, "sandbox requested without a policy permit"), artifact.OutcomeFailed)
		return
	}

	if err := f.router.sem.Acquire(ctx, 1); err != nil {
		f.record(audit.BackendError, map[string]any{"stage": "admission", "message": err.Error()})
		f.fail(aerrors.Wrap(err, aerrors.KindBackend, "waiting for sandbox capacity"), artifact.OutcomeFailed)
		return
	}
	defer f.router.sem.Release(1)

	adjusted := permit.Adjusted()
	spec := backend.Spec{
		RunID:   f.ectx.RunID,
		Image:   f.image,
		Policy:  adjusted,
		Env:     adjusted.FilterEnv(f.inv.Env),
		WorkDir: f.inv.WorkingDir(),
	}
	f.record(audit.SandboxCreateStart, map[string]any{
		"image":       f.image,
		"backend":     f.router.backend.Name(),
		"env_dropped": adjusted.DroppedEnv(f.inv.Env),
	})
	id, err := f.router.backend.Acquire(ctx, spec)
	if err != nil {
		f.logger.Error("sandbox_acquire_failed", "image", f.image, "error", err)
		f.record(audit.SandboxCreateFailed, map[string]any{"image": f.image, "message": err.Error()})
		f.fail(aerrors.Wrap(err, aerrors.KindBackend, "sandbox acquisition failed"), artifact.OutcomeFailed)
		return
	}
	metricActiveSandboxes.Inc()
	f.cleanup = &artifact.CleanupSummary{InstanceID: id}
	f.record(audit.SandboxCreateEnd, map[string]any{"instance_id": id, "image": f.image})
	defer f.teardown(ctx, id)

	f.transition(StateExecuting)
	f.execute(ctx, id, adjusted.Limits)
}

func (f *flow) execute(ctx context.Context, id string, limits policy.Limits) {
	f.record(audit.ExecStart, map[string]any{
		"instance_id": id,
		"cmd":         f.inv.Command,
		"cwd":         f.inv.WorkingDir(),
		"timeout_s":   limits.TimeoutS,
	})

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout())
	defer cancel()

	start := time.Now()
	res, err := f.router.backend.Execute(execCtx, id, backend.Command{Cmd: f.inv.Command, WorkDir: f.inv.WorkingDir()})
	elapsed := time.Since(start)
	if res.Duration <= 0 {
		res.Duration = elapsed
	}
	recordExecSeconds(elapsed.Seconds())

	if err != nil {
		status := execStatusError
		var e *aerrors.Error
		if backend.IsTimeout(err) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			status = execStatusTimeout
			e = aerrors.Wrap(err, aerrors.KindTimeout, fmt.Sprintf("Command exceeded %ds timeout", limits.TimeoutS))
			f.record(audit.ExecTimeout, map[string]any{
				"instance_id": id,
				"timeout_s":   limits.TimeoutS,
				"message":     err.Error(),
			})
			if res.Stdout != "" || res.Stderr != "" {
				partial := res
				f.partial = &partial
				f.writeText(artifact.StdoutFile, res.Stdout)
				f.writeText(artifact.StderrFile, res.Stderr)
				f.outputWritten = true
			}
		} else {
			e = aerrors.Wrap(err, aerrors.KindBackend, "sandbox execution failed")
			f.record(audit.BackendError, map[string]any{
				"instance_id": id,
				"stage":       "execute",
				"message":     err.Error(),
			})
		}
		f.record(audit.ExecEnd, map[string]any{
			"instance_id": id,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
		})
		f.logger.Warn("exec_failed", "status", status, "error", err)
		f.fail(e, artifact.OutcomeFailed)
		return
	}

	f.observed = &res
	f.record(audit.ExecEnd, map[string]any{
		"instance_id": id,
		"status":      execStatusCompleted,
		"exit_code":   res.ExitCode,
		"stdout_len":  len(res.Stdout),
		"stderr_len":  len(res.Stderr),
		"duration_ms": res.Duration.Milliseconds(),
		"truncated":   res.Truncated,
	})
	f.logger.Info("exec_finished", "exit_code", res.ExitCode, "duration", res.Duration)

	if err := f.store.WriteExecution(res); err != nil {
		f.artifactFailed("execution output", err)
	}
	f.outputWritten = true

	if res.ExitCode != 0 {
		f.fail(aerrors.New(aerrors.KindNonzeroExit, "Command exited with non-zero status").WithExitCode(res.ExitCode), artifact.OutcomeFailed)
		return
	}
	f.outcome = artifact.OutcomeSucceeded
	f.transition(StateSucceeded)
}

// teardown releases the instance exactly once. It runs detached from caller
// cancellation so an abandoned request still destroys its sandbox.
func (f *flow) teardown(ctx context.Context, id string) {
	f.record(audit.SandboxDestroyStart, map[string]any{"instance_id": id})

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.router.teardownTimeout)
	defer cancel()
	err := f.router.backend.Release(tctx, id)
	metricActiveSandboxes.Dec()

	f.cleanup.Attempted = true
	if err != nil {
		recordTeardownFailure()
		f.cleanup.Error = err.Error()
		f.logger.Warn("sandbox_destroy_failed", "instance_id", id, "error", err)
		f.record(audit.SandboxDestroyFail, map[string]any{"instance_id": id, "message": err.Error()})
	} else {
		f.cleanup.Destroyed = true
		f.record(audit.SandboxDestroyEnd, map[string]any{"instance_id": id})
	}
	f.transition(StateTornDown)
}

func (f *flow) finish(ctx context.Context) {
	if f.state != StateTornDown {
		f.transition(StateTornDown)
	}
	code := f.exitCode()

	if !f.outputWritten && f.err != nil {
		f.writeText(artifact.StderrFile, f.err.Detail()+"\n")
	}
	if f.observed == nil {
		if err := f.store.WriteExitCode(code); err != nil {
			f.artifactFailed(artifact.ExitCodeFile, err)
		}
	}

	report := f.report()
	if err := f.store.WriteReport(report); err != nil {
		f.artifactFailed(artifact.ReportFile, err)
	}

	end := map[string]any{
		"ok":          f.err == nil,
		"outcome":     string(f.outcome),
		"exit_code":   code,
		"duration_ms": f.router.now().Sub(f.started).Milliseconds(),
	}
	if f.err != nil {
		end["error_type"] = string(f.err.Kind)
	}
	f.record(audit.RunEnd, end)
	f.transition(StateReported)

	recordRun(string(f.outcome))
	f.span.SetAttributes(
		attribute.String("aegix.run_id", f.ectx.RunID),
		attribute.String("aegix.tool", f.inv.ToolName),
		attribute.String("aegix.outcome", string(f.outcome)),
		attribute.Int("aegix.exit_code", code),
	)
	if f.err != nil {
		f.span.SetStatus(otelcodes.Error, string(f.err.Kind))
	} else {
		f.span.SetStatus(otelcodes.Ok, "")
	}
	f.logger.Info("run_finished", "outcome", f.outcome, "exit_code", code, "run_dir", f.runDir)

	if f.router.index != nil {
		run := runstore.FromReport(report, f.runDir, code)
		if err := f.router.index.Record(context.WithoutCancel(ctx), run); err != nil {
			f.logger.Warn("run_index_failed", "error", err)
		}
	}
}

func (f *flow) report() artifact.Report {
	finished := f.router.now()
	r := artifact.Report{
		RunID:    f.ectx.RunID,
		OK:       f.err == nil,
		Outcome:  f.outcome,
		Actor:    string(f.ectx.Actor),
		Metadata: f.ectx.Metadata,
		Tool: artifact.ToolDescriptor{
			ToolName:      f.inv.ToolName,
			Image:         f.image,
			Cmd:           f.inv.Command,
			Cwd:           f.inv.WorkingDir(),
			PolicyProfile: f.inv.ProfileName(),
			EnvKeys:       f.inv.EnvKeys(),
		},
		Cleanup:    f.cleanup,
		StartedAt:  f.started.UTC().Format(time.RFC3339Nano),
		FinishedAt: finished.UTC().Format(time.RFC3339Nano),
	}
	if f.decision != nil {
		allow := f.decision.Allow
		adjusted := f.decision.Adjusted
		r.Policy = artifact.PolicySummary{
			Allow:    &allow,
			Reason:   f.decision.Reason,
			Adjusted: &adjusted,
			EnvDrop:  adjusted.DroppedEnv(f.inv.Env),
		}
	}
	if f.observed != nil {
		r.Exec = &artifact.ExecSummary{
			ExitCode:   f.observed.ExitCode,
			StdoutLen:  len(f.observed.Stdout),
			StderrLen:  len(f.observed.Stderr),
			DurationMS: f.observed.Duration.Milliseconds(),
			Truncated:  f.observed.Truncated,
		}
	}
	if f.err != nil {
		r.Error = &artifact.ErrorDetail{
			Type:     string(f.err.Kind),
			Message:  f.err.Detail(),
			ExitCode: f.err.ExitCode,
		}
	}
	return r
}

func (f *flow) result() Result {
	res := Result{
		RunID:    f.ectx.RunID,
		RunDir:   f.runDir,
		ExitCode: f.exitCode(),
		Decision: f.decision,
		Cleanup:  f.cleanup,
		States:   f.states,
	}
	if f.err == nil {
		exec := *f.observed
		res.Exec = &exec
		res.StderrTail = exec.StderrTail(f.router.tailLines)
		return res
	}
	res.Err = f.err
	switch {
	case f.observed != nil && f.observed.Stderr != "":
		res.StderrTail = f.observed.StderrTail(f.router.tailLines)
	case f.partial != nil && f.partial.Stderr != "":
		res.StderrTail = f.partial.StderrTail(f.router.tailLines)
	default:
		res.StderrTail = types.Tail(f.err.Detail(), f.router.tailLines)
	}
	return res
}

func (f *flow) exitCode() int {
	if f.err == nil {
		return 0
	}
	return f.err.CallerExitCode()
}

func (f *flow) fail(e *aerrors.Error, outcome artifact.Outcome) {
	f.err = e
	f.outcome = outcome
	f.span.RecordError(e)
	f.transition(StateFailed)
}

func (f *flow) transition(next State) {
	if !f.state.CanTransition(next) {
		f.logger.Error("invalid_state_transition", "from", f.state, "to", next)
	}
	f.state = next
	f.states = append(f.states, next)
	f.span.AddEvent(string(next))
	f.logger.Debug("run_state", "state", next)
}

func (f *flow) record(typ audit.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["run_id"] = f.ectx.RunID
	if err := f.audit.Record(typ, data); err != nil {
		if f.auditErr == nil {
			f.auditErr = err
		}
		f.logger.Error("audit_write_failed", "event", typ, "error", err)
	}
}

func (f *flow) writeText(name, content string) {
	if err := f.store.WriteText(name, content); err != nil {
		f.artifactFailed(name, err)
	}
}

// artifactFailed records a persistence failure without changing the outcome.
func (f *flow) artifactFailed(name string, err error) {
	f.logger.Error("artifact_write_failed", "artifact", name, "error", err)
	f.record(audit.ArtifactWriteFailed, map[string]any{"artifact": name, "message": err.Error()})
}
