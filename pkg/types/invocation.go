package types

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultWorkDir = "/workspace"
	DefaultProfile = "default"
)

// ToolInvocation is one request to run a command inside a sandbox.
type ToolInvocation struct {
	ToolName string            `json:"tool_name" yaml:"tool_name"`
	Command  string            `json:"cmd" yaml:"cmd"`
	Image    string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir  string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Profile  string            `json:"policy_profile,omitempty" yaml:"policy_profile,omitempty"`
}

// WorkingDir returns the requested working directory or /workspace.
func (inv ToolInvocation) WorkingDir() string {
	if strings.TrimSpace(inv.WorkDir) == "" {
		return DefaultWorkDir
	}
	return inv.WorkDir
}

// ProfileName returns the policy profile to evaluate against.
func (inv ToolInvocation) ProfileName() string {
	if strings.TrimSpace(inv.Profile) == "" {
		return DefaultProfile
	}
	return inv.Profile
}

// EnvKeys returns the sorted environment variable names. Values are never echoed
// into reports because they routinely carry credentials.
func (inv ToolInvocation) EnvKeys() []string {
	if len(inv.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Actor string

const (
	ActorCLI     Actor = "cli"
	ActorAgent   Actor = "agent"
	ActorService Actor = "service"
)

// ExecutionContext identifies a run for correlation in logs and artifacts.
type ExecutionContext struct {
	RunID    string            `json:"run_id"`
	Actor    Actor             `json:"actor"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewExecutionContext allocates a fresh run id for the given actor.
func NewExecutionContext(actor Actor, metadata map[string]string) ExecutionContext {
	if actor == "" {
		actor = ActorCLI
	}
	return ExecutionContext{
		RunID:    NewRunID(time.Now()),
		Actor:    actor,
		Metadata: metadata,
	}
}

// NewRunID returns a sortable run identifier of the form 20060102_150405_1a2b3c4d.
func NewRunID(now time.Time) string {
	id := uuid.New()
	return now.UTC().Format("20060102_150405") + "_" + hex.EncodeToString(id[:4])
}
