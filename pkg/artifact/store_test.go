package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriteExecutionLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.WriteExecution(types.ExecutionResult{Stdout: "out\n", Stderr: "err\n", ExitCode: 3}))

	assert.Equal(t, "out\n", readFile(t, filepath.Join(dir, StdoutFile)))
	assert.Equal(t, "err\n", readFile(t, filepath.Join(dir, StderrFile)))
	assert.Equal(t, "3\n", readFile(t, filepath.Join(dir, ExitCodeFile)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files may be left behind")
}

func TestWriteTextReplaces(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.WriteText("stderr", "first"))
	require.NoError(t, store.WriteText("stderr", "second"))
	assert.Equal(t, "second", readFile(t, store.Path("stderr")))

	require.NoError(t, store.WriteText("nested/file.txt", "ok"))
	assert.Equal(t, "ok", readFile(t, store.Path("nested/file.txt")))
}

func TestWriteTextRejectsEscapes(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../x", "/etc/passwd", "a/../../x"} {
		assert.Error(t, store.WriteText(name, "x"), name)
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	_, err := NewStore("  ")
	assert.Error(t, err)
}

func TestReportRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	allow := true
	adjusted := policy.AdjustedPolicy{Limits: policy.DefaultLimits(), NetworkMode: policy.NetworkNone}
	code := 1
	report := Report{
		RunID:   "20240101_000000_abcd1234",
		OK:      false,
		Outcome: OutcomeFailed,
		Actor:   string(types.ActorAgent),
		Tool:    ToolDescriptor{ToolName: "bash", Image: "alpine", Cmd: "false", Cwd: "/workspace", PolicyProfile: "default"},
		Policy:  PolicySummary{Allow: &allow, Reason: policy.ReasonAllowed, Adjusted: &adjusted},
		Exec:    &ExecSummary{ExitCode: 1, DurationMS: (5 * time.Millisecond).Milliseconds()},
		Error:   &ErrorDetail{Type: "NONZERO_EXIT", Message: "Command exited with non-zero status", ExitCode: &code},
		Cleanup: &CleanupSummary{InstanceID: "c1", Attempted: true, Destroyed: true},
	}
	require.NoError(t, store.WriteReport(report))

	raw := readFile(t, store.Path(ReportFile))
	for _, key := range []string{`"run_id"`, `"tool_name"`, `"stdout_len"`, `"stderr_len"`, `"reason"`, `"type": "NONZERO_EXIT"`} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, `"stdout":`, "reports never embed full output")

	got, err := ReadReport(store.Dir())
	require.NoError(t, err)
	assert.Equal(t, report, got)
}
