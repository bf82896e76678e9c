package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "events.jsonl")
	log, err := Open(path)
	require.NoError(t, err)

	sequence := []EventType{RunStart, PolicyEvaluated, PolicyAllow, ExecStart, ExecEnd, RunEnd}
	for i, typ := range sequence {
		require.NoError(t, log.Record(typ, map[string]any{"step": i}))
	}
	require.NoError(t, log.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	assert.Equal(t, sequence, Types(events))
	for i, e := range events {
		assert.NotEmpty(t, e.TS)
		assert.EqualValues(t, i, e.Data["step"])
	}
}

func TestRecordWritesOneObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Record(RunStart, nil))
	require.NoError(t, log.Record(RunEnd, map[string]any{"ok": true}))
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^\{"ts":"[^"]+","type":"RUN_START","data":\{\}\}$`, lines[0])
	assert.Contains(t, lines[1], `"data":{"ok":true}`)
}

func TestLogIsAppendOnlyAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(RunStart, nil))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Record(RunEnd, nil))
	require.NoError(t, second.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	assert.Equal(t, []EventType{RunStart, RunEnd}, Types(events))
}

func TestClosedLogRejectsWrites(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
	assert.ErrorIs(t, log.Record(RunStart, nil), ErrClosed)
}

func TestConcurrentRecordsStayWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Open(path)
	require.NoError(t, err)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, log.Record(ExecEnd, map[string]any{"writer": w, "i": i, "pad": strings.Repeat("x", 512)}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, log.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	last := map[float64]float64{}
	for _, e := range events {
		w := e.Data["writer"].(float64)
		i := e.Data["i"].(float64)
		if prev, ok := last[w]; ok {
			assert.Greater(t, i, prev, "writer %v events out of order", w)
		}
		last[w] = i
	}
}

func TestReadEventsIgnoresTornFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"ts":"t1","type":"RUN_START","data":{}}` + "\n" + `{"ts":"t2","type":"POLICY_EVAL`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := ReadEvents(path)
	require.NoError(t, err)
	assert.Equal(t, []EventType{RunStart}, Types(events))
}

func TestReadEventsRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := fmt.Sprintf("%s\nnot-json\n%s\n",
		`{"ts":"t1","type":"RUN_START","data":{}}`,
		`{"ts":"t2","type":"RUN_END","data":{}}`)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := ReadEvents(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
