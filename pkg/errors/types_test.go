package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindDeniedPolicy, "Denied by pattern: curl")
	assert.Equal(t, "[DENIED_POLICY] Denied by pattern: curl", err.Error())
	assert.Equal(t, "Denied by pattern: curl", err.Detail())

	cause := stderrors.New("connection refused")
	wrapped := Wrap(cause, KindBackend, "acquire sandbox")
	assert.Equal(t, "[BACKEND_ERROR] acquire sandbox: connection refused", wrapped.Error())
	assert.Equal(t, "acquire sandbox: connection refused", wrapped.Detail())
	assert.ErrorIs(t, wrapped, cause)

	exit := New(KindNonzeroExit, "Command exited with non-zero status").WithExitCode(3)
	assert.Equal(t, "[NONZERO_EXIT] Command exited with non-zero status (exit code 3)", exit.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindBackend, "nothing"))
}

func TestCallerExitCode(t *testing.T) {
	cases := map[*Error]int{
		New(KindInvalidToolCall, "x"):             ExitInvalidToolCall,
		New(KindDeniedPolicy, "x"):                ExitDeniedPolicy,
		New(KindTimeout, "x"):                     ExitTimeout,
		New(KindBackend, "x"):                     ExitBackend,
		New(KindNonzeroExit, "x").WithExitCode(7): 7,
		New(KindNonzeroExit, "x"):                 1,
	}
	for err, want := range cases {
		assert.Equal(t, want, err.CallerExitCode(), err.Error())
	}
	assert.NotEqual(t, 0, New(KindDeniedPolicy, "x").CallerExitCode())
}

func TestKindOf(t *testing.T) {
	inner := New(KindTimeout, "too slow")
	outer := fmt.Errorf("handle: %w", inner)

	assert.Equal(t, KindTimeout, KindOf(outer))
	assert.True(t, IsKind(outer, KindTimeout))
	assert.False(t, IsKind(outer, KindBackend))
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestKindsIsClosedSet(t *testing.T) {
	kinds := Kinds()
	require.Len(t, kinds, 5)
	seen := map[Kind]bool{}
	for _, k := range kinds {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
	}
}
