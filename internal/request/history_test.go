package request

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/hub"
)

func TestAppendHistoryWritesDailyActorFile(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	require.NoError(t, AppendHistory(root, HistoryEntry{
		TS:         ts,
		RequestID:  "r1",
		FromStatus: StatusPending,
		ToStatus:   StatusInProgress,
		Actor:      "backend",
		Detail:     "attempt 1",
	}))
	require.NoError(t, AppendHistory(root, HistoryEntry{
		TS:         ts.Add(time.Minute),
		RequestID:  "r1",
		FromStatus: StatusInProgress,
		ToStatus:   StatusCompleted,
		Actor:      "backend",
		DurationMs: 1200,
		CostUSD:    0.42,
		NumTurns:   7,
		Usage:      &UsageTotals{InputTokens: 100, OutputTokens: 50},
	}))

	path := hub.HistoryFile(root, "backend", ts)
	assert.True(t, strings.HasSuffix(path, "2026-08-24-backend.jsonl"))

	entries, err := ReadHistory(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusInProgress, entries[0].ToStatus)
	assert.Equal(t, "attempt 1", entries[0].Detail)
	assert.Equal(t, 0.42, entries[1].CostUSD)
	require.NotNil(t, entries[1].Usage)
	assert.Equal(t, 100, entries[1].Usage.InputTokens)
}

func TestAppendHistoryDefaultsTimestamp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, AppendHistory(root, HistoryEntry{
		RequestID:  "r1",
		FromStatus: StatusPending,
		ToStatus:   StatusCompleted,
		Actor:      "qa",
	}))

	path := hub.HistoryFile(root, "qa", time.Now())
	entries, err := ReadHistory(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].TS.IsZero())
}

func TestReadHistorySkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	ts := time.Now()
	require.NoError(t, AppendHistory(root, HistoryEntry{
		TS: ts, RequestID: "r1", FromStatus: StatusPending, ToStatus: StatusCompleted, Actor: "backend",
	}))

	path := hub.HistoryFile(root, "backend", ts)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadHistory(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
