// Package local runs sandboxed commands as host processes confined to a
// private directory. It enforces wall-clock limits and output caps only, so it
// is meant for development and tests rather than untrusted code.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/types"
)

const (
	Name = "local"

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	waitDelay   = 2 * time.Second
)

type Options struct {
	// Root holds one directory per instance. Defaults to $TMPDIR/aegix-local.
	Root      string
	MaxOutput int
	Logger    *slog.Logger
}

type Backend struct {
	root      string
	maxOutput int
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	id      string
	root    string
	workDir string
	spec    backend.Spec
}

func New(opts Options) (*Backend, error) {
	root := opts.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "aegix-local")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("prepare local sandbox root: %w", err)
	}
	maxOutput := opts.MaxOutput
	if maxOutput == 0 {
		maxOutput = backend.DefaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		root:      root,
		maxOutput: maxOutput,
		logger:    logger,
		instances: make(map[string]*instance),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Acquire(ctx context.Context, spec backend.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if spec.Policy.NetworkMode != policy.NetworkHost {
		b.logger.Warn("local_backend_network_unenforced", "run_id", spec.RunID, "network_mode", spec.Policy.NetworkMode)
	}

	id := "local-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	root := filepath.Join(b.root, id)
	workDir := sandboxPath(root, spec.WorkDir)
	dirs := []string{workDir, filepath.Join(root, "tmp")}
	for _, p := range spec.Policy.Filesystem.WritePaths {
		dirs = append(dirs, sandboxPath(root, p))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return "", fmt.Errorf("prepare sandbox directories: %w", err)
		}
	}

	b.mu.Lock()
	b.instances[id] = &instance{id: id, root: root, workDir: workDir, spec: spec}
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) Execute(ctx context.Context, id string, c backend.Command) (types.ExecutionResult, error) {
	inst, ok := b.lookup(id)
	if !ok {
		return types.ExecutionResult{}, fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
	}
	if strings.TrimSpace(c.Cmd) == "" {
		return types.ExecutionResult{}, errors.New("command is required")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && inst.spec.Policy.Limits.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inst.spec.Policy.Limits.Timeout())
		defer cancel()
	}

	workDir := inst.workDir
	if c.WorkDir != "" {
		workDir = sandboxPath(inst.root, c.WorkDir)
	}

	cmd := shellCommandContext(ctx, c.Cmd)
	setSysProcAttr(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	cmd.Dir = workDir
	cmd.Env = backend.EnvPairs(backend.MergeEnv(
		map[string]string{
			"PATH":   defaultPath,
			"HOME":   workDir,
			"TMPDIR": filepath.Join(inst.root, "tmp"),
		},
		inst.spec.Env,
		c.Env,
	))

	stdout := backend.NewLimitedBuffer(b.maxOutput)
	stderr := backend.NewLimitedBuffer(b.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := types.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s", backend.ErrTimeout, res.Duration.Round(time.Millisecond))
		}
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (b *Backend) Release(_ context.Context, id string) error {
	b.mu.Lock()
	inst, ok := b.instances[id]
	delete(b.instances, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
	}
	if err := os.RemoveAll(inst.root); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", id, err)
	}
	return nil
}

// Active returns the number of instances not yet released.
func (b *Backend) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

func (b *Backend) lookup(id string) (*instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[id]
	return inst, ok
}

// sandboxPath maps an in-sandbox absolute path under root. Paths cannot climb
// out of root.
func sandboxPath(root, p string) string {
	if p == "" {
		p = types.DefaultWorkDir
	}
	return filepath.Join(root, filepath.Clean("/"+p))
}

var _ backend.Backend = (*Backend)(nil)
