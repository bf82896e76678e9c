package policy

import (
	"sort"
	"time"
)

// NetworkMode selects the network attached to a sandbox.
type NetworkMode string

const (
	NetworkNone      NetworkMode = "none"
	NetworkBridge    NetworkMode = "bridge"
	NetworkHost      NetworkMode = "host"
	NetworkAllowlist NetworkMode = "allowlist"
)

// Valid reports whether m is one of the four supported literals.
func (m NetworkMode) Valid() bool {
	switch m {
	case NetworkNone, NetworkBridge, NetworkHost, NetworkAllowlist:
		return true
	}
	return false
}

// Limits are the resource ceilings applied to one sandbox.
type Limits struct {
	TimeoutS int     `yaml:"timeout_s" json:"timeout_s"`
	CPU      float64 `yaml:"cpu" json:"cpu"`
	MemMB    int     `yaml:"mem_mb" json:"mem_mb"`
	Pids     int     `yaml:"pids" json:"pids"`
}

// MaxTimeoutS is the largest accepted timeout_s (one week).
const MaxTimeoutS = 7 * 24 * 60 * 60

func DefaultLimits() Limits {
	return Limits{TimeoutS: 30, CPU: 1.0, MemMB: 512, Pids: 256}
}

// Timeout returns the wall-clock execution limit.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutS) * time.Second
}

// LimitsOverride is a sparse per-tool override; nil fields keep the base value.
type LimitsOverride struct {
	TimeoutS *int     `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
	CPU      *float64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	MemMB    *int     `yaml:"mem_mb,omitempty" json:"mem_mb,omitempty"`
	Pids     *int     `yaml:"pids,omitempty" json:"pids,omitempty"`
}

// Merge returns a copy of l with every field present in o applied.
// A nil override returns l unchanged.
func (l Limits) Merge(o *LimitsOverride) Limits {
	if o == nil {
		return l
	}
	out := l
	if o.TimeoutS != nil {
		out.TimeoutS = *o.TimeoutS
	}
	if o.CPU != nil {
		out.CPU = *o.CPU
	}
	if o.MemMB != nil {
		out.MemMB = *o.MemMB
	}
	if o.Pids != nil {
		out.Pids = *o.Pids
	}
	return out
}

// FilesystemRule lists the writable and read-only path prefixes inside a sandbox.
type FilesystemRule struct {
	WritePaths    []string `yaml:"write_paths" json:"write_paths"`
	ReadOnlyPaths []string `yaml:"read_only_paths" json:"read_only_paths"`
}

func DefaultFilesystemRule() FilesystemRule {
	return FilesystemRule{WritePaths: []string{"/workspace"}, ReadOnlyPaths: []string{}}
}

func (r FilesystemRule) clone() FilesystemRule {
	return FilesystemRule{
		WritePaths:    cloneStrings(r.WritePaths),
		ReadOnlyPaths: cloneStrings(r.ReadOnlyPaths),
	}
}

// AdjustedPolicy is the policy actually applied to one invocation.
type AdjustedPolicy struct {
	Limits           Limits         `json:"limits"`
	NetworkMode      NetworkMode    `json:"network_mode"`
	NetworkAllowlist []string       `json:"network_allowlist"`
	EnvAllowlist     []string       `json:"env_allowlist"`
	Filesystem       FilesystemRule `json:"fs"`
}

// EnvRestricted reports whether an environment allowlist is configured.
// An unset allowlist passes every caller-supplied variable through.
func (a AdjustedPolicy) EnvRestricted() bool {
	return a.EnvAllowlist != nil
}

// FilterEnv returns the subset of env permitted by the allowlist.
func (a AdjustedPolicy) FilterEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	if !a.EnvRestricted() {
		for k, v := range env {
			out[k] = v
		}
		return out
	}
	allowed := make(map[string]struct{}, len(a.EnvAllowlist))
	for _, k := range a.EnvAllowlist {
		allowed[k] = struct{}{}
	}
	for k, v := range env {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

// DroppedEnv returns the sorted names in env that FilterEnv removes.
func (a AdjustedPolicy) DroppedEnv(env map[string]string) []string {
	if !a.EnvRestricted() {
		return nil
	}
	kept := a.FilterEnv(env)
	var dropped []string
	for k := range env {
		if _, ok := kept[k]; !ok {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Decision is the outcome of evaluating one invocation.
type Decision struct {
	Allow      bool              `json:"allow"`
	Reason     string            `json:"reason"`
	Adjusted   AdjustedPolicy    `json:"adjusted"`
	Redactions map[string]string `json:"redactions"`
}

// Permit is proof that a policy engine allowed an invocation. It can only be
// obtained from an allowing Decision, so code that requires a Permit is
// unreachable for denied calls.
type Permit struct {
	adjusted AdjustedPolicy
	reason   string
	valid    bool
}

// Permit returns a Permit and true when d allows execution.
func (d Decision) Permit() (Permit, bool) {
	if !d.Allow {
		return Permit{}, false
	}
	return Permit{adjusted: d.Adjusted, reason: d.Reason, valid: true}, true
}

// Valid is false for the zero Permit.
func (p Permit) Valid() bool { return p.valid }

func (p Permit) Adjusted() AdjustedPolicy { return p.adjusted }

func (p Permit) Reason() string { return p.reason }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
