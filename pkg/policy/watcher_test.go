package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sameehj/aegix/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestWatcherKeepsEngineOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ncommands:\n  deny_cmd_patterns: ['curl']\n"), 0o644))

	catalog, err := LoadCatalog(map[string]string{types.DefaultProfile: path})
	require.NoError(t, err)
	before, _ := catalog.Lookup(types.DefaultProfile)

	w := NewWatcher(catalog)
	w.delay = 10 * time.Millisecond
	require.NoError(t, w.Watch())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	after, _ := catalog.Lookup(types.DefaultProfile)
	require.Same(t, before, after)
}
