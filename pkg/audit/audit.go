// Package audit writes the per-run, append-only event trail (events.jsonl).
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType names one step of a run.
type EventType string

const (
	RunStart            EventType = "RUN_START"
	ValidationError     EventType = "VALIDATION_ERROR"
	PolicyEvaluated     EventType = "POLICY_EVALUATED"
	PolicyAllow         EventType = "POLICY_ALLOW"
	PolicyDeny          EventType = "POLICY_DENY"
	SandboxCreateStart  EventType = "SANDBOX_CREATE_START"
	SandboxCreateEnd    EventType = "SANDBOX_CREATE_END"
	SandboxCreateFailed EventType = "SANDBOX_CREATE_FAILED"
	ExecStart           EventType = "EXEC_START"
	ExecTimeout         EventType = "EXEC_TIMEOUT"
	BackendError        EventType = "BACKEND_ERROR"
	ExecEnd             EventType = "EXEC_END"
	ArtifactWriteFailed EventType = "ARTIFACT_WRITE_FAILED"
	SandboxDestroyStart EventType = "SANDBOX_DESTROY_START"
	SandboxDestroyEnd   EventType = "SANDBOX_DESTROY_END"
	SandboxDestroyFail  EventType = "SANDBOX_DESTROY_FAILED"
	RunEnd              EventType = "RUN_END"
)

// Event is one line of events.jsonl.
type Event struct {
	TS   string         `json:"ts"`
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Recorder appends audit events.
type Recorder interface {
	Record(typ EventType, data map[string]any) error
}

var ErrClosed = errors.New("audit: log closed")

// Log is an append-only JSONL file. Each event is flushed to stable storage
// before Record returns, so a crash loses at most the event being written.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// Open creates or appends to the log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{path: path, f: f, now: time.Now}, nil
}

func (l *Log) Path() string { return l.path }

// Record appends one event. Events from concurrent callers are serialised;
// an event is never rewritten once appended.
func (l *Log) Record(typ EventType, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrClosed
	}
	line, err := json.Marshal(Event{
		TS:   l.now().UTC().Format(time.RFC3339Nano),
		Type: typ,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("encode audit event %s: %w", typ, err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append audit event %s: %w", typ, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadEvents returns the events in file order. A final line without a
// trailing newline is a torn write from a crash and is ignored.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads events from r. See ReadEvents.
func Decode(r io.Reader) ([]Event, error) {
	reader := bufio.NewReader(r)
	var events []Event
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("audit log line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
}

// Types returns the event types in order, a convenience for ordering checks.
func Types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
