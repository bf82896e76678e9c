// Package router drives one tool invocation from request to report: validate,
// evaluate policy, acquire a sandbox, execute, tear down and persist. Every
// path ends with exactly one report and one RUN_END event.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sameehj/aegix/pkg/artifact"
	"github.com/sameehj/aegix/pkg/audit"
	"github.com/sameehj/aegix/pkg/backend"
	aerrors "github.com/sameehj/aegix/pkg/errors"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/runstore"
	"github.com/sameehj/aegix/pkg/types"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultImage           = "python:3.11-slim"
	DefaultMaxConcurrent   = 4
	DefaultTeardownTimeout = 30 * time.Second
	DefaultRunsRoot        = "runs"
	DefaultTailLines       = 10

	tracerName = "github.com/sameehj/aegix/pkg/router"
)

// PolicySource resolves a policy profile to the engine that evaluates it.
// *policy.Catalog satisfies it.
type PolicySource interface {
	Lookup(profile string) (*policy.Engine, bool)
}

// RunIndex receives a summary of every reported run.
type RunIndex interface {
	Record(ctx context.Context, run runstore.Run) error
}

type Options struct {
	DefaultImage string
	// MaxConcurrent bounds sandboxes held at once, from acquisition through
	// teardown.
	MaxConcurrent   int
	TeardownTimeout time.Duration
	// RunsRoot is where Submit creates run directories.
	RunsRoot  string
	TailLines int
	Logger    *slog.Logger
	Index     RunIndex
}

type Router struct {
	backend  backend.Backend
	policies PolicySource

	defaultImage    string
	teardownTimeout time.Duration
	runsRoot        string
	tailLines       int
	logger          *slog.Logger
	index           RunIndex

	sem       *semaphore.Weighted
	openAudit func(path string) (auditLog, error)
	now       func() time.Time
}

type auditLog interface {
	audit.Recorder
	Close() error
}

func New(b backend.Backend, policies PolicySource, opts Options) (*Router, error) {
	if b == nil {
		return nil, errors.New("router: backend is required")
	}
	if policies == nil {
		return nil, errors.New("router: policy source is required")
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = DefaultImage
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.RunsRoot == "" {
		opts.RunsRoot = DefaultRunsRoot
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		backend:         b,
		policies:        policies,
		defaultImage:    opts.DefaultImage,
		teardownTimeout: opts.TeardownTimeout,
		runsRoot:        opts.RunsRoot,
		tailLines:       opts.TailLines,
		logger:          opts.Logger,
		index:           opts.Index,
		sem:             semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		openAudit: func(path string) (auditLog, error) {
			return audit.Open(path)
		},
		now: time.Now,
	}, nil
}

// Result is the caller-facing outcome. Exactly one of Exec and Err is set.
type Result struct {
	RunID  string
	RunDir string

	Exec *types.ExecutionResult
	Err  *aerrors.Error

	// ExitCode is 0 on success, the command's code for NONZERO_EXIT and a
	// fixed code per kind otherwise.
	ExitCode   int
	StderrTail string

	Decision *policy.Decision
	Cleanup  *artifact.CleanupSummary
	States   []State
}

func (r Result) OK() bool { return r.Err == nil }

// Submit assigns a run id when ectx has none and handles inv in a fresh
// directory under the runs root.
func (r *Router) Submit(ctx context.Context, inv types.ToolInvocation, ectx types.ExecutionContext) Result {
	if ectx.RunID == "" {
		ectx.RunID = types.NewRunID(r.now())
	}
	return r.Handle(ctx, inv, ectx, filepath.Join(r.runsRoot, ectx.RunID))
}

// Handle runs inv to completion and persists its artifacts under runDir.
func (r *Router) Handle(ctx context.Context, inv types.ToolInvocation, ectx types.ExecutionContext, runDir string) Result {
	if ectx.RunID == "" {
		ectx.RunID = types.NewRunID(r.now())
	}
	if ectx.Actor == "" {
		ectx.Actor = types.ActorCLI
	}
	image := strings.TrimSpace(inv.Image)
	if image == "" {
		image = r.defaultImage
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aegix.run")
	defer span.End()

	f := &flow{
		router:  r,
		inv:     inv,
		ectx:    ectx,
		image:   image,
		runDir:  runDir,
		span:    span,
		logger:  r.logger.With("run_id", ectx.RunID, "tool", inv.ToolName),
		started: r.now(),
		state:   StateReceived,
		states:  []State{StateReceived},
	}

	if err := f.open(); err != nil {
		f.logger.Error("run_setup_failed", "run_dir", runDir, "error", err)
		e := aerrors.Wrap(err, aerrors.KindBackend, "prepare run directory")
		f.span.RecordError(e)
		f.transition(StateFailed)
		f.transition(StateTornDown)
		f.transition(StateReported)
		recordRun(string(artifact.OutcomeFailed))
		return Result{
			RunID:      ectx.RunID,
			RunDir:     runDir,
			Err:        e,
			ExitCode:   e.CallerExitCode(),
			StderrTail: types.Tail(e.Detail(), r.tailLines),
			States:     f.states,
		}
	}
	defer f.close()

	f.run(ctx)
	return f.result()
}

func (r *Router) String() string {
	return fmt.Sprintf("router.Router{backend=%s image=%s}", r.backend.Name(), r.defaultImage)
}
