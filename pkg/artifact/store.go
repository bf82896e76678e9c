// Package artifact persists the durable outputs of a run.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sameehj/aegix/pkg/types"
)

// Files making up the persisted run layout.
const (
	EventsFile   = "events.jsonl"
	ReportFile   = "report.json"
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
	ExitCodeFile = "exit_code"
)

// Store writes artifacts into one run directory.
type Store struct {
	dir string
}

// NewStore creates the run directory if needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path returns the location of name inside the run directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteText atomically replaces name with content.
func (s *Store) WriteText(name, content string) error {
	target, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close artifact %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod artifact %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("commit artifact %s: %w", name, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON followed by a newline.
func (s *Store) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	return s.WriteText(name, string(data)+"\n")
}

// WriteExecution captures stdout, stderr and exit_code.
func (s *Store) WriteExecution(res types.ExecutionResult) error {
	if err := s.WriteText(StdoutFile, res.Stdout); err != nil {
		return err
	}
	if err := s.WriteText(StderrFile, res.Stderr); err != nil {
		return err
	}
	return s.WriteExitCode(res.ExitCode)
}

func (s *Store) WriteExitCode(code int) error {
	return s.WriteText(ExitCodeFile, fmt.Sprintf("%d\n", code))
}

func (s *Store) WriteReport(r Report) error {
	return s.WriteJSON(ReportFile, r)
}

func (s *Store) resolve(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact name %q escapes run directory", name)
	}
	return filepath.Join(s.dir, clean), nil
}
