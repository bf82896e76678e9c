package policy

import (
	"testing"

	"github.com/sameehj/aegix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func evaluate(e *Engine, tool, cmd string) Decision {
	return e.Evaluate(types.ToolInvocation{ToolName: tool, Command: cmd}, types.ExecutionContext{RunID: "test"})
}

func TestEvaluateAllowsByDefault(t *testing.T) {
	engine := newEngine(t, nil)

	decision := evaluate(engine, "bash", "ls -la")
	assert.True(t, decision.Allow)
	assert.Equal(t, "Allowed", decision.Reason)
	assert.Equal(t, DefaultLimits(), decision.Adjusted.Limits)
	assert.Equal(t, NetworkNone, decision.Adjusted.NetworkMode)
	assert.NotNil(t, decision.Redactions)
	assert.Empty(t, decision.Redactions)
}

func TestEvaluateDenyPatternWins(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Commands.DenyPatterns = []string{"wget", "curl"}
		c.Commands.AllowPatterns = []string{"^ls"}
	})

	decision := evaluate(engine, "bash", "curl evil.example.com")
	assert.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "curl")
	assert.Equal(t, "Denied by pattern: curl", decision.Reason)
}

func TestEvaluateDenyUsesSearchNotFullMatch(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Commands.DenyPatterns = []string{`rm\s+-rf`}
	})
	assert.False(t, evaluate(engine, "bash", "cd /tmp && rm  -rf build").Allow)
	assert.True(t, evaluate(engine, "bash", "rm build.log").Allow)
}

func TestEvaluateAllowList(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Commands.AllowPatterns = []string{"^ls", "python3? "}
	})

	assert.True(t, evaluate(engine, "bash", "ls -la").Allow)
	assert.True(t, evaluate(engine, "bash", "exec python main.py").Allow, "allow patterns use search semantics")

	decision := evaluate(engine, "bash", "cat /etc/passwd")
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonNotInAllowlist, decision.Reason)
}

func TestEvaluateEmptyNetworkAllowlistFailsClosed(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Network.Mode = NetworkAllowlist
		c.Network.Allowlist = nil
	})

	for _, cmd := range []string{"ls", "echo hi", "true"} {
		decision := evaluate(engine, "bash", cmd)
		assert.False(t, decision.Allow)
		assert.Equal(t, ReasonEmptyNetworkList, decision.Reason)
	}

	withHosts := newEngine(t, func(c *Config) {
		c.Network.Mode = NetworkAllowlist
		c.Network.Allowlist = []string{"pypi.org"}
	})
	decision := evaluate(withHosts, "bash", "pip install requests")
	assert.True(t, decision.Allow)
	assert.Equal(t, []string{"pypi.org"}, decision.Adjusted.NetworkAllowlist)
}

func TestEvaluatePrecedence(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Commands.DenyPatterns = []string{"curl"}
		c.Commands.AllowPatterns = []string{"^ls"}
		c.Network.Mode = NetworkAllowlist
	})

	assert.Equal(t, "Denied by pattern: curl", evaluate(engine, "bash", "curl x").Reason)
	assert.Equal(t, ReasonNotInAllowlist, evaluate(engine, "bash", "cat x").Reason)
	assert.Equal(t, ReasonEmptyNetworkList, evaluate(engine, "bash", "ls x").Reason)
}

func TestEvaluateMergesPerToolLimitsEvenOnDenial(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Commands.DenyPatterns = []string{"curl"}
		c.Limits.PerTool["python"] = LimitsOverride{MemMB: intPtr(2048), TimeoutS: intPtr(90)}
	})

	decision := evaluate(engine, "python", "curl x")
	require.False(t, decision.Allow)
	assert.Equal(t, Limits{TimeoutS: 90, CPU: 1.0, MemMB: 2048, Pids: 256}, decision.Adjusted.Limits)

	assert.Equal(t, DefaultLimits(), evaluate(engine, "bash", "ls").Adjusted.Limits)
}

func TestEvaluateAdjustedPolicyIsIsolated(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Env.Allowlist = []string{"PATH"}
	})

	first := evaluate(engine, "bash", "ls")
	first.Adjusted.EnvAllowlist[0] = "MUTATED"
	first.Adjusted.Filesystem.WritePaths[0] = "/"

	second := evaluate(engine, "bash", "ls")
	assert.Equal(t, []string{"PATH"}, second.Adjusted.EnvAllowlist)
	assert.Equal(t, []string{"/workspace"}, second.Adjusted.Filesystem.WritePaths)
	assert.Equal(t, []string{"PATH"}, engine.Config().Env.Allowlist)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commands.DenyPatterns = []string{"(unclosed"}
	_, err := NewEngine(cfg)
	requireViolation(t, err, "invalid deny pattern")
}
