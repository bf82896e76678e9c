package policy

import (
	"fmt"
	"regexp"

	"github.com/sameehj/aegix/pkg/types"
)

const (
	ReasonAllowed          = "Allowed"
	ReasonNotInAllowlist   = "Denied: command not in allowlist"
	ReasonEmptyNetworkList = "Denied: network allowlist mode but allowlist is empty"
	deniedByPatternPrefix  = "Denied by pattern: "
)

// Engine evaluates invocations against one immutable policy Config.
type Engine struct {
	config Config
	deny   []*regexp.Regexp
	allow  []*regexp.Regexp
}

// NewEngine validates cfg and compiles its command patterns.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{config: cloneConfig(cfg)}
	for _, pattern := range cfg.Commands.DenyPatterns {
		e.deny = append(e.deny, regexp.MustCompile(pattern))
	}
	for _, pattern := range cfg.Commands.AllowPatterns {
		e.allow = append(e.allow, regexp.MustCompile(pattern))
	}
	return e, nil
}

// LoadEngine loads a policy file and builds an Engine from it.
func LoadEngine(path string) (*Engine, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewEngine(cfg)
}

// Config returns a copy of the policy this engine enforces.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Evaluate decides whether inv may run. Deny patterns are checked first, then
// the allow list (when non-empty), then network sanity. The adjusted policy is
// always computed so a denial still shows what would have applied.
func (e *Engine) Evaluate(inv types.ToolInvocation, _ types.ExecutionContext) Decision {
	decision := Decision{
		Adjusted:   e.adjust(inv.ToolName),
		Redactions: map[string]string{},
	}

	for _, re := range e.deny {
		if re.MatchString(inv.Command) {
			decision.Reason = deniedByPatternPrefix + re.String()
			return decision
		}
	}

	if len(e.allow) > 0 && !matchesAny(e.allow, inv.Command) {
		decision.Reason = ReasonNotInAllowlist
		return decision
	}

	if e.config.Network.Mode == NetworkAllowlist && len(e.config.Network.Allowlist) == 0 {
		decision.Reason = ReasonEmptyNetworkList
		return decision
	}

	decision.Allow = true
	decision.Reason = ReasonAllowed
	return decision
}

func (e *Engine) adjust(toolName string) AdjustedPolicy {
	var override *LimitsOverride
	if o, ok := e.config.Limits.PerTool[toolName]; ok {
		override = &o
	}
	return AdjustedPolicy{
		Limits:           e.config.Limits.Default.Merge(override),
		NetworkMode:      e.config.Network.Mode,
		NetworkAllowlist: cloneStrings(e.config.Network.Allowlist),
		EnvAllowlist:     cloneStrings(e.config.Env.Allowlist),
		Filesystem:       e.config.FS.clone(),
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("policy.Engine{deny=%d allow=%d network=%s}", len(e.deny), len(e.allow), e.config.Network.Mode)
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func cloneConfig(c Config) Config {
	out := c
	out.Commands.DenyPatterns = cloneStrings(c.Commands.DenyPatterns)
	out.Commands.AllowPatterns = cloneStrings(c.Commands.AllowPatterns)
	out.Network.Allowlist = cloneStrings(c.Network.Allowlist)
	out.FS = c.FS.clone()
	out.Env.Allowlist = cloneStrings(c.Env.Allowlist)
	if c.Limits.PerTool != nil {
		out.Limits.PerTool = make(map[string]LimitsOverride, len(c.Limits.PerTool))
		for k, v := range c.Limits.PerTool {
			out.Limits.PerTool[k] = v
		}
	}
	return out
}
