package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adjusted(mode policy.NetworkMode) policy.AdjustedPolicy {
	return policy.AdjustedPolicy{
		Limits:      policy.Limits{TimeoutS: 30, CPU: 1.5, MemMB: 256, Pids: 64},
		NetworkMode: mode,
		Filesystem:  policy.DefaultFilesystemRule(),
	}
}

func TestRunArgsMapsPolicy(t *testing.T) {
	args, err := RunArgs(backend.Spec{
		RunID:   "r1",
		Image:   "alpine:3.19",
		Policy:  adjusted(policy.NetworkNone),
		Env:     map[string]string{"B": "2", "A": "1"},
		WorkDir: "/workspace",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run", "-d", "--init",
		"--label", "aegix.run_id=r1",
		"--network", "none",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--cpus", "1.5",
		"--memory", "256m",
		"--pids-limit", "64",
		"--tmpfs", "/workspace",
		"--tmpfs", "/tmp",
		"-w", "/workspace",
		"-e", "A=1",
		"-e", "B=2",
		"alpine:3.19", "sh", "-c", "tail -f /dev/null",
	}, args)
}

func TestRunArgsNetworkModes(t *testing.T) {
	cases := map[policy.NetworkMode]string{
		policy.NetworkNone:      "none",
		policy.NetworkBridge:    "bridge",
		policy.NetworkHost:      "host",
		policy.NetworkAllowlist: "bridge",
	}
	for mode, want := range cases {
		p := adjusted(mode)
		p.NetworkAllowlist = []string{"pypi.org", "github.com"}
		args, err := RunArgs(backend.Spec{RunID: "r", Image: "alpine", Policy: p})
		require.NoError(t, err, mode)
		assert.Equal(t, want, valueAfter(args, "--network"), mode)
		if mode == policy.NetworkAllowlist {
			assert.Contains(t, args, "aegix.network_allowlist=pypi.org,github.com")
		} else {
			assert.NotContains(t, args, "aegix.network_allowlist=pypi.org,github.com")
		}
	}

	_, err := RunArgs(backend.Spec{Image: "alpine", Policy: adjusted("wifi")})
	assert.Error(t, err)
}

func TestExecArgs(t *testing.T) {
	got := ExecArgs("c1", backend.Command{Cmd: "ls -la", WorkDir: "/workspace/src", Env: map[string]string{"X": "1"}})
	assert.Equal(t, []string{"exec", "-w", "/workspace/src", "-e", "X=1", "c1", "sh", "-lc", "ls -la"}, got)
}

func valueAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

const fakeDocker = `#!/bin/sh
case "$1" in
run)
  echo "$@" > "$(dirname "$0")/run.args"
  echo "c0ffee"
  ;;
exec)
  for a; do last="$a"; done
  if [ "$2" = "missing" ]; then echo "Error: No such container: missing" >&2; exit 1; fi
  sh -c "$last"
  ;;
rm)
  if [ "$3" = "missing" ]; then echo "Error: No such container: missing" >&2; exit 1; fi
  ;;
esac
`

func newFakeBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake docker binary is a shell script")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(bin, []byte(fakeDocker), 0o755))
	return New(Options{Binary: bin}), dir
}

func TestLifecycleAgainstFakeBinary(t *testing.T) {
	b, dir := newFakeBackend(t)
	ctx := context.Background()

	id, err := b.Acquire(ctx, backend.Spec{RunID: "r1", Image: "alpine", Policy: adjusted(policy.NetworkNone)})
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", id)

	recorded, err := os.ReadFile(filepath.Join(dir, "run.args"))
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "--network none")

	res, err := b.Execute(ctx, id, backend.Command{Cmd: "echo out; echo err >&2; exit 4"})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 4, res.ExitCode)

	require.NoError(t, b.Release(ctx, id))
	_, err = b.Execute(ctx, id, backend.Command{Cmd: "true"})
	assert.ErrorIs(t, err, backend.ErrUnknownInstance)
}

func TestExecuteTimeout(t *testing.T) {
	b, _ := newFakeBackend(t)
	p := adjusted(policy.NetworkNone)
	p.Limits.TimeoutS = 1
	id, err := b.Acquire(context.Background(), backend.Spec{RunID: "r1", Image: "alpine", Policy: p})
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), id, backend.Command{Cmd: "sleep 10"})
	assert.True(t, backend.IsTimeout(err), "got %v", err)
}

func TestReleaseMissingContainer(t *testing.T) {
	b, _ := newFakeBackend(t)
	err := b.Release(context.Background(), "missing")
	assert.True(t, errors.Is(err, backend.ErrUnknownInstance), "got %v", err)
}

func TestAcquireRequiresImage(t *testing.T) {
	b := New(Options{Binary: "/nonexistent/docker"})
	_, err := b.Acquire(context.Background(), backend.Spec{RunID: "r1"})
	assert.Error(t, err)
}
