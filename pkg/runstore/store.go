// Package runstore indexes completed runs in SQLite so tooling can list them
// without walking every run directory. The run directory stays the source of
// truth.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sameehj/aegix/pkg/artifact"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound = errors.New("runstore: run not found")
	ErrClosed   = errors.New("runstore: closed")
)

const defaultListLimit = 50

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run is one indexed run summary.
type Run struct {
	RunID      string    `json:"run_id"`
	RunDir     string    `json:"run_dir"`
	ToolName   string    `json:"tool_name"`
	Actor      string    `json:"actor"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FromReport summarises a run report stored in dir.
func FromReport(r artifact.Report, dir string, exitCode int) Run {
	run := Run{
		RunID:    r.RunID,
		RunDir:   dir,
		ToolName: r.Tool.ToolName,
		Actor:    r.Actor,
		Outcome:  string(r.Outcome),
		ExitCode: exitCode,
	}
	if r.Error != nil {
		run.ErrorKind = r.Error.Type
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, r.StartedAt)
	run.FinishedAt, _ = time.Parse(time.RFC3339Nano, r.FinishedAt)
	return run
}

type ListOptions struct {
	Limit   int
	Outcome string
}

// Store is a SQLite-backed run index.
type Store struct {
	db *sql.DB
}

// Open creates or opens the index at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("index path cannot be empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create index directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure index (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply index schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record inserts run, replacing any earlier entry with the same id.
func (s *Store) Record(ctx context.Context, run Run) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, run_dir, tool_name, actor, outcome, error_kind, exit_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.RunDir, run.ToolName, run.Actor, run.Outcome, run.ErrorKind, run.ExitCode,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run, err
}

// List returns the most recently started runs first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectRuns
	var args []any
	if opts.Outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, opts.Outcome)
	}
	query += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const selectRuns = `SELECT run_id, run_dir, tool_name, actor, outcome, error_kind, exit_code, started_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run                 Run
		started, finished string
	)
	if err := sc.Scan(&run.RunID, &run.RunDir, &run.ToolName, &run.Actor, &run.Outcome, &run.ErrorKind,
		&run.ExitCode, &started, &finished); err != nil {
		return Run{}, err
	}
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished)
	return run, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
