package policy

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sameehj/aegix/pkg/types"
)

func properties(t *testing.T) *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	return gopter.NewProperties(parameters)
}

func nonBlank() gopter.Gen {
	return gen.AnyString().SuchThat(func(s string) bool { return strings.TrimSpace(s) != "" })
}

func TestPropertyOpenPolicyAllowsEveryCommand(t *testing.T) {
	modes := []NetworkMode{NetworkNone, NetworkBridge, NetworkHost}
	props := properties(t)

	props.Property("empty pattern lists without allowlist mode allow", prop.ForAll(
		func(cmd string, modeIdx int) bool {
			cfg := DefaultConfig()
			cfg.Network.Mode = modes[modeIdx]
			engine, err := NewEngine(cfg)
			if err != nil {
				return false
			}
			decision := engine.Evaluate(types.ToolInvocation{ToolName: "bash", Command: cmd}, types.ExecutionContext{})
			return decision.Allow && decision.Reason == ReasonAllowed
		},
		nonBlank(),
		gen.IntRange(0, len(modes)-1),
	))

	props.TestingRun(t)
}

func TestPropertyDenyPatternAlwaysDenies(t *testing.T) {
	props := properties(t)

	props.Property("a command containing a deny pattern is denied regardless of allow list", prop.ForAll(
		func(word, prefix, suffix string, allow []string) bool {
			cfg := DefaultConfig()
			cfg.Commands.DenyPatterns = []string{regexp.QuoteMeta(word)}
			for _, a := range allow {
				cfg.Commands.AllowPatterns = append(cfg.Commands.AllowPatterns, regexp.QuoteMeta(a))
			}
			engine, err := NewEngine(cfg)
			if err != nil {
				return false
			}
			decision := engine.Evaluate(types.ToolInvocation{ToolName: "bash", Command: prefix + word + suffix}, types.ExecutionContext{})
			return !decision.Allow && strings.Contains(decision.Reason, regexp.QuoteMeta(word))
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.Identifier()),
	))

	props.TestingRun(t)
}

func TestPropertyAllowListGatesCommands(t *testing.T) {
	props := properties(t)

	props.Property("non-empty allow list rejects non-matching and accepts matching commands", prop.ForAll(
		func(name, args string) bool {
			cfg := DefaultConfig()
			cfg.Commands.AllowPatterns = []string{"^allowed-" + regexp.QuoteMeta(name)}
			engine, err := NewEngine(cfg)
			if err != nil {
				return false
			}
			ok := engine.Evaluate(types.ToolInvocation{ToolName: "bash", Command: "allowed-" + name + " " + args}, types.ExecutionContext{})
			rejected := engine.Evaluate(types.ToolInvocation{ToolName: "bash", Command: "x" + name + " " + args}, types.ExecutionContext{})
			return ok.Allow && !rejected.Allow && rejected.Reason == ReasonNotInAllowlist
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	props.TestingRun(t)
}

func TestPropertyEmptyNetworkAllowlistDenies(t *testing.T) {
	props := properties(t)

	props.Property("allowlist mode with no entries denies any command", prop.ForAll(
		func(cmd string) bool {
			cfg := DefaultConfig()
			cfg.Network.Mode = NetworkAllowlist
			engine, err := NewEngine(cfg)
			if err != nil {
				return false
			}
			decision := engine.Evaluate(types.ToolInvocation{ToolName: "bash", Command: cmd}, types.ExecutionContext{})
			return !decision.Allow && decision.Reason == ReasonEmptyNetworkList
		},
		gen.AnyString(),
	))

	props.TestingRun(t)
}

func TestPropertyMergeChangesOnlyOverriddenField(t *testing.T) {
	props := properties(t)

	props.Property("merge of mem_mb preserves every other field", prop.ForAll(
		func(timeout, mem, pids, newMem int) bool {
			base := Limits{TimeoutS: timeout, CPU: 1.5, MemMB: mem, Pids: pids}
			merged := base.Merge(&LimitsOverride{MemMB: &newMem})
			return merged.MemMB == newMem &&
				merged.TimeoutS == base.TimeoutS &&
				merged.CPU == base.CPU &&
				merged.Pids == base.Pids &&
				base.Merge(nil) == base
		},
		gen.IntRange(1, 3600),
		gen.IntRange(1, 1<<16),
		gen.IntRange(1, 4096),
		gen.IntRange(1, 1<<16),
	))

	props.TestingRun(t)
}
