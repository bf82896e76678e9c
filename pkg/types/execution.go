package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultTailLines = 10
	// MaxTailBytes bounds a tail regardless of line count.
	MaxTailBytes = 4 << 10
)

// ExecutionResult is the captured output of a completed sandbox execution.
type ExecutionResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// StderrTail returns the last n lines of stderr (10 when n <= 0).
func (r ExecutionResult) StderrTail(n int) string {
	return Tail(r.Stderr, n)
}

// Tail returns the last n lines of s, at most MaxTailBytes long. A cut
// never splits a UTF-8 sequence.
func Tail(s string, n int) string {
	if n <= 0 {
		n = defaultTailLines
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) <= MaxTailBytes {
		return tail
	}
	start := len(tail) - MaxTailBytes
	for start < len(tail) && !utf8.RuneStart(tail[start]) {
		start++
	}
	return tail[start:]
}
