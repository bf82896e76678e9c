package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestLimitsMergeNilIsIdentity(t *testing.T) {
	base := Limits{TimeoutS: 10, CPU: 0.5, MemMB: 256, Pids: 64}
	assert.Equal(t, base, base.Merge(nil))
	assert.Equal(t, base, base.Merge(&LimitsOverride{}))
}

func TestLimitsMergeOnlyPresentFields(t *testing.T) {
	base := DefaultLimits()

	got := base.Merge(&LimitsOverride{MemMB: intPtr(2048)})
	assert.Equal(t, Limits{TimeoutS: 30, CPU: 1.0, MemMB: 2048, Pids: 256}, got)

	got = base.Merge(&LimitsOverride{TimeoutS: intPtr(5), CPU: floatPtr(2.5), Pids: intPtr(8)})
	assert.Equal(t, Limits{TimeoutS: 5, CPU: 2.5, MemMB: 512, Pids: 8}, got)
	assert.Equal(t, DefaultLimits(), base, "merge must not mutate the receiver")
}

func TestNetworkModeValid(t *testing.T) {
	for _, mode := range []NetworkMode{NetworkNone, NetworkBridge, NetworkHost, NetworkAllowlist} {
		assert.True(t, mode.Valid(), mode)
	}
	assert.False(t, NetworkMode("").Valid())
	assert.False(t, NetworkMode("NONE").Valid())
}

func TestAdjustedPolicyFilterEnv(t *testing.T) {
	env := map[string]string{"PATH": "/bin", "SECRET": "s3cr3t", "LANG": "C"}

	open := AdjustedPolicy{}
	assert.False(t, open.EnvRestricted())
	assert.Equal(t, env, open.FilterEnv(env))
	assert.Nil(t, open.DroppedEnv(env))

	restricted := AdjustedPolicy{EnvAllowlist: []string{"PATH", "LANG"}}
	assert.True(t, restricted.EnvRestricted())
	assert.Equal(t, map[string]string{"PATH": "/bin", "LANG": "C"}, restricted.FilterEnv(env))
	assert.Equal(t, []string{"SECRET"}, restricted.DroppedEnv(env))

	empty := AdjustedPolicy{EnvAllowlist: []string{}}
	assert.True(t, empty.EnvRestricted())
	assert.Empty(t, empty.FilterEnv(env))
}

func TestDecisionPermit(t *testing.T) {
	denied := Decision{Allow: false, Reason: "nope"}
	permit, ok := denied.Permit()
	require.False(t, ok)
	assert.False(t, permit.Valid())

	adjusted := AdjustedPolicy{Limits: DefaultLimits(), NetworkMode: NetworkNone}
	allowed := Decision{Allow: true, Reason: ReasonAllowed, Adjusted: adjusted}
	permit, ok = allowed.Permit()
	require.True(t, ok)
	assert.True(t, permit.Valid())
	assert.Equal(t, adjusted, permit.Adjusted())
	assert.Equal(t, ReasonAllowed, permit.Reason())
}
