package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/archipelago/internal/economy"
)

func TestSummarizeFromJournal(t *testing.T) {
	dir := t.TempDir()
	j := economy.NewZstdJournal(dir, "reconcile")
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []economy.Entry{
		{ID: "a", At: t0, Kind: economy.KindCompensated, Saga: "buy from shop", Step: "debit buyer"},
		{ID: "b", At: t0.Add(2 * time.Hour), Kind: economy.KindFatal, Saga: "buy from shop", Step: "credit owner", Cause: "stale", UndoError: "ledger down"},
		{ID: "c", At: t0.Add(time.Hour), Kind: economy.KindFatal, Saga: "collect", Step: "credit", Cause: "timeout", UndoError: "ledger down"},
	}
	for _, e := range entries {
		require.NoError(t, j.Record(e))
	}
	require.NoError(t, j.Close())

	files, err := economy.JournalFiles(dir, "reconcile")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var read []economy.Entry
	for _, f := range files {
		got, err := economy.ReadJournal(f)
		require.NoError(t, err)
		read = append(read, got...)
	}

	rep := summarize(read, time.Time{})
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.ByKind[economy.KindFatal])
	assert.Equal(t, 2, rep.BySaga["buy from shop"])
	require.Len(t, rep.Fatal, 2)
	assert.Equal(t, "c", rep.Fatal[0].ID)

	var out bytes.Buffer
	rep.write(&out, len(files))
	assert.Contains(t, out.String(), "2 failed compensations")
	assert.Contains(t, out.String(), `undo_error="ledger down"`)
}

func TestSummarizeCutoff(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := summarize([]economy.Entry{
		{ID: "old", At: t0, Kind: economy.KindFatal},
		{ID: "new", At: t0.Add(time.Hour), Kind: economy.KindCompensated},
	}, t0.Add(30*time.Minute))

	assert.Equal(t, 1, rep.Total)
	assert.Empty(t, rep.Fatal)

	var out bytes.Buffer
	rep.write(&out, 1)
	assert.Contains(t, out.String(), "No failed compensations.")
}
