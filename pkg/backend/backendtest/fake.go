// Package backendtest provides a recording Backend for broker tests.
package backendtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/types"
)

// Fake records every call and returns scripted results. The zero value echoes
// success for every command.
type Fake struct {
	AcquireErr error
	ExecuteErr error
	ReleaseErr error

	// Result is returned from Execute when ExecuteErr is nil. A nil Result
	// echoes the command on stdout with exit code 0.
	Result *types.ExecutionResult

	// ExecDelay makes Execute wait before returning. With BlockUntilDone it
	// waits for ctx instead and reports ErrTimeout on deadline.
	ExecDelay      time.Duration
	BlockUntilDone bool

	mu       sync.Mutex
	acquired []backend.Spec
	executed []backend.Command
	released []string
	live     map[string]struct{}
	peak     int
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Acquire(ctx context.Context, spec backend.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, spec)
	if f.AcquireErr != nil {
		return "", f.AcquireErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.live == nil {
		f.live = make(map[string]struct{})
	}
	id := "fake-" + uuid.NewString()[:8]
	f.live[id] = struct{}{}
	if len(f.live) > f.peak {
		f.peak = len(f.live)
	}
	return id, nil
}

func (f *Fake) Execute(ctx context.Context, id string, cmd backend.Command) (types.ExecutionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, cmd)
	_, ok := f.live[id]
	f.mu.Unlock()
	if !ok {
		return types.ExecutionResult{}, fmt.Errorf("%w: %s", backend.ErrUnknownInstance, id)
	}

	start := time.Now()
	if f.BlockUntilDone {
		<-ctx.Done()
		return types.ExecutionResult{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("%w: %v", backend.ErrTimeout, ctx.Err())
	}
	if f.ExecDelay > 0 {
		select {
		case <-time.After(f.ExecDelay):
		case <-ctx.Done():
			return types.ExecutionResult{ExitCode: -1}, fmt.Errorf("%w: %v", backend.ErrTimeout, ctx.Err())
		}
	}
	if f.ExecuteErr != nil {
		return types.ExecutionResult{}, f.ExecuteErr
	}
	if f.Result != nil {
		return *f.Result, nil
	}
	return types.ExecutionResult{
		Stdout:   strings.TrimSpace(cmd.Cmd) + "\n",
		Duration: time.Since(start),
	}, nil
}

func (f *Fake) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	delete(f.live, id)
	return f.ReleaseErr
}

func (f *Fake) AcquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquired)
}

func (f *Fake) ExecuteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func (f *Fake) ReleaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

// Specs returns every spec passed to Acquire.
func (f *Fake) Specs() []backend.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Spec(nil), f.acquired...)
}

func (f *Fake) Commands() []backend.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Command(nil), f.executed...)
}

func (f *Fake) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// Live returns the number of acquired instances not yet released.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Peak returns the highest number of simultaneously live instances.
func (f *Fake) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

var _ backend.Backend = (*Fake)(nil)
