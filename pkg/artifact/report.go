package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sameehj/aegix/pkg/policy"
)

// Outcome is the terminal branch a run took.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeDenied    Outcome = "DENIED"
	OutcomeInvalid   Outcome = "INVALID"
)

// Report is the single structured summary written per invocation. It carries
// output sizes rather than output to keep its size bounded.
type Report struct {
	RunID      string            `json:"run_id"`
	OK         bool              `json:"ok"`
	Outcome    Outcome           `json:"outcome"`
	Actor      string            `json:"actor"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Tool       ToolDescriptor    `json:"tool"`
	Policy     PolicySummary     `json:"policy"`
	Exec       *ExecSummary      `json:"exec,omitempty"`
	Error      *ErrorDetail      `json:"error,omitempty"`
	Cleanup    *CleanupSummary   `json:"cleanup,omitempty"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at"`
}

type ToolDescriptor struct {
	ToolName      string   `json:"tool_name"`
	Image         string   `json:"image"`
	Cmd           string   `json:"cmd"`
	Cwd           string   `json:"cwd"`
	PolicyProfile string   `json:"policy_profile"`
	EnvKeys       []string `json:"env_keys,omitempty"`
}

// PolicySummary is absent-valued (Allow nil) when the run never reached policy.
type PolicySummary struct {
	Allow    *bool                  `json:"allow,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Adjusted *policy.AdjustedPolicy `json:"adjusted,omitempty"`
	EnvDrop  []string               `json:"env_dropped,omitempty"`
}

type ExecSummary struct {
	ExitCode   int   `json:"exit_code"`
	StdoutLen  int   `json:"stdout_len"`
	StderrLen  int   `json:"stderr_len"`
	DurationMS int64 `json:"duration_ms"`
	Truncated  bool  `json:"truncated,omitempty"`
}

type ErrorDetail struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code"`
}

// CleanupSummary records the best-effort teardown outcome.
type CleanupSummary struct {
	InstanceID string `json:"instance_id"`
	Attempted  bool   `json:"attempted"`
	Destroyed  bool   `json:"destroyed"`
	Error      string `json:"error,omitempty"`
}

// ReadReport loads report.json from a run directory.
func ReadReport(dir string) (Report, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	if err != nil {
		return Report{}, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
