// Package docker runs sandboxes as containers through the docker CLI. The
// adjusted policy's limits, network mode and writable paths become container
// flags on a read-only root filesystem.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/types"
)

const (
	Name = "docker"

	DefaultBinary = "docker"

	LabelRunID            = "aegix.run_id"
	LabelNetworkAllowlist = "aegix.network_allowlist"

	waitDelay = 2 * time.Second
)

type Options struct {
	Binary    string
	MaxOutput int
	Logger    *slog.Logger
}

type Backend struct {
	bin       string
	maxOutput int
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]backend.Spec
}

func New(opts Options) *Backend {
	bin := opts.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	maxOutput := opts.MaxOutput
	if maxOutput == 0 {
		maxOutput = backend.DefaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{bin: bin, maxOutput: maxOutput, logger: logger, instances: make(map[string]backend.Spec)}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Acquire(ctx context.Context, spec backend.Spec) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", errors.New("image is required")
	}
	args, err := RunArgs(spec)
	if err != nil {
		return "", err
	}
	stdout, err := b.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w", err)
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", errors.New("docker run returned no container id")
	}
	if spec.Policy.NetworkMode == policy.NetworkAllowlist {
		b.logger.Warn("docker_allowlist_as_bridge", "run_id", spec.RunID, "container_id", id, "allowlist", spec.Policy.NetworkAllowlist)
	}

	b.mu.Lock()
	b.instances[id] = spec
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) Execute(ctx context.Context, id string, c backend.Command) (types.ExecutionResult, error) {
	spec, ok := b.spec(id)
	if !ok {
		return types.ExecutionResult{}, fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && spec.Policy.Limits.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Policy.Limits.Timeout())
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.bin, ExecArgs(id, c)...)
	cmd.WaitDelay = waitDelay
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
			return res, fmt.Errorf("docker exec: %w", err)
		}
		if isNoSuchContainer(res.Stderr) {
			return res, fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (b *Backend) Release(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.instances, id)
	b.mu.Unlock()

	if _, err := b.run(ctx, "rm", "-f", id); err != nil {
		if isNoSuchContainer(err.Error()) {
			return fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
		}
		return fmt.Errorf("docker rm: %w", err)
	}
	return nil
}

func (b *Backend) spec(id string) (backend.Spec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.instances[id]
	return spec, ok
}

func (b *Backend) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	cmd.WaitDelay = waitDelay
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

// RunArgs builds the `docker run` arguments for a long-lived idle container.
func RunArgs(spec backend.Spec) ([]string, error) {
	p := spec.Policy
	network, err := networkFlag(p.NetworkMode)
	if err != nil {
		return nil, err
	}
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = types.DefaultWorkDir
	}

	args := []string{
		"run", "-d", "--init",
		"--label", LabelRunID + "=" + spec.RunID,
		"--network", network,
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	if p.NetworkMode == policy.NetworkAllowlist {
		args = append(args, "--label", LabelNetworkAllowlist+"="+strings.Join(p.NetworkAllowlist, ","))
	}
	if p.Limits.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(p.Limits.CPU, 'f', -1, 64))
	}
	if p.Limits.MemMB > 0 {
		args = append(args, "--memory", strconv.Itoa(p.Limits.MemMB)+"m")
	}
	if p.Limits.Pids > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(p.Limits.Pids))
	}
	for _, path := range tmpfsPaths(p.Filesystem.WritePaths) {
		args = append(args, "--tmpfs", path)
	}
	args = append(args, "-w", workDir)
	for _, pair := range backend.EnvPairs(spec.Env) {
		args = append(args, "-e", pair)
	}
	args = append(args, spec.Image, "sh", "-c", "tail -f /dev/null")
	return args, nil
}

// ExecArgs builds the `docker exec` arguments for one command.
func ExecArgs(id string, c backend.Command) []string {
	args := []string{"exec"}
	if c.WorkDir != "" {
		args = append(args, "-w", c.WorkDir)
	}
	for _, pair := range backend.EnvPairs(c.Env) {
		args = append(args, "-e", pair)
	}
	return append(args, id, "sh", "-lc", c.Cmd)
}

// networkFlag maps a policy network mode to --network. Allowlist mode runs on
// the bridge network; the allowlist itself is recorded as a container label
// for an egress controller to enforce.
func networkFlag(mode policy.NetworkMode) (string, error) {
	switch mode {
	case policy.NetworkNone, "":
		return "none", nil
	case policy.NetworkBridge, policy.NetworkAllowlist:
		return "bridge", nil
	case policy.NetworkHost:
		return "host", nil
	}
	return "", fmt.Errorf("unsupported network mode %q", mode)
}

// tmpfsPaths returns the writable mounts: every write path plus /tmp,
// deduplicated in order.
func tmpfsPaths(writePaths []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range append(append([]string{}, writePaths...), "/tmp") {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func isNoSuchContainer(msg string) bool {
	return strings.Contains(msg, "No such container")
}

var _ backend.Backend = (*Backend)(nil)
