// Package backend defines the sandbox capability the broker drives. Any
// implementation satisfying Backend can be substituted without broker changes.
package backend

import (
	"context"
	"errors"

	"github.com/sameehj/aegix/pkg/policy"
	"github.com/sameehj/aegix/pkg/types"
)

var (
	// ErrTimeout reports that execution exceeded its wall-clock limit.
	ErrTimeout = errors.New("sandbox execution timed out")
	// ErrUnknownInstance reports an instance id the backend does not hold.
	ErrUnknownInstance = errors.New("unknown sandbox instance")
)

// Spec describes the sandbox to acquire for one run.
type Spec struct {
	RunID   string                `json:"run_id"`
	Image   string                `json:"image"`
	Policy  policy.AdjustedPolicy `json:"policy"`
	Env     map[string]string     `json:"env,omitempty"`
	WorkDir string                `json:"workdir"`
}

// Command is one command submitted to an acquired sandbox.
type Command struct {
	Cmd     string            `json:"cmd"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
}

type Backend interface {
	Name() string

	// Acquire creates one isolated instance. The returned id is owned by the
	// caller until Release.
	Acquire(ctx context.Context, spec Spec) (string, error)

	// Execute runs cmd and captures its output. A command exiting non-zero is
	// not an error. Exceeding the context deadline returns ErrTimeout, possibly
	// alongside partial output.
	Execute(ctx context.Context, id string, cmd Command) (types.ExecutionResult, error)

	// Release destroys the instance. Callers treat failures as best-effort.
	Release(ctx context.Context, id string) error
}

// IsTimeout reports whether err is an execution timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
