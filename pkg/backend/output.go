package backend

import (
	"bytes"
	"io"
	"sort"
	"sync"
)

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 4 << 20

// LimitedBuffer keeps at most limit bytes and silently discards the rest.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func NewLimitedBuffer(limit int) *LimitedBuffer {
	return &LimitedBuffer{limit: limit}
}

func (l *LimitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			l.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *LimitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func (l *LimitedBuffer) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

var _ io.Writer = (*LimitedBuffer)(nil)

// MergeEnv overlays later maps onto earlier ones.
func MergeEnv(envs ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, env := range envs {
		for k, v := range env {
			out[k] = v
		}
	}
	return out
}

// EnvPairs renders env as sorted KEY=VALUE pairs.
func EnvPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
