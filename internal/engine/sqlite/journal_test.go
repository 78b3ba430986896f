package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJournal(db)
}

func TestJournal_UpsertAndList(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Upsert(Entry{TaskID: "task-1", SourceURI: "https://example.com/a", State: StateActive}))
	require.NoError(t, j.Upsert(Entry{TaskID: "task-2", SourceURI: "https://example.com/b", BytesDone: 10, BytesTotal: 20, State: StateSuspended}))

	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.TaskID] = e
	}

	require.Equal(t, StateActive, byID["task-1"].State)
	require.Equal(t, int64(10), byID["task-2"].BytesDone)
	require.Equal(t, int64(20), byID["task-2"].BytesTotal)

	// Re-upserting the same id replaces the row instead of duplicating it.
	require.NoError(t, j.Upsert(Entry{TaskID: "task-1", SourceURI: "https://example.com/a2", State: StateSuspended}))

	entries, err = j.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		if e.TaskID == "task-1" {
			require.Equal(t, "https://example.com/a2", e.SourceURI)
			require.Equal(t, StateSuspended, e.State)
		}
	}
}

func TestJournal_UpdateBytesAndState(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Upsert(Entry{TaskID: "task-1", SourceURI: "https://example.com/a", State: StateActive}))

	require.NoError(t, j.UpdateBytes("task-1", 512, 1024))
	require.NoError(t, j.UpdateState("task-1", StateSuspended))

	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(512), entries[0].BytesDone)
	require.Equal(t, int64(1024), entries[0].BytesTotal)
	require.Equal(t, StateSuspended, entries[0].State)

	// Updates against unknown ids are no-ops, not errors.
	require.NoError(t, j.UpdateBytes("missing", 1, 2))
	require.NoError(t, j.UpdateState("missing", StateActive))
}

func TestJournal_Delete(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Upsert(Entry{TaskID: "task-1", SourceURI: "https://example.com/a", State: StateActive}))
	require.NoError(t, j.Delete("task-1"))

	entries, err := j.List()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, j.Delete("task-1"))
}

func TestJournal_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := InitDB(path)
	require.NoError(t, err)

	j := NewJournal(db)
	require.NoError(t, j.Upsert(Entry{TaskID: "task-1", SourceURI: "https://example.com/a", BytesDone: 100, State: StateActive}))
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	entries, err := NewJournal(db).List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "task-1", entries[0].TaskID)
	require.Equal(t, int64(100), entries[0].BytesDone)
}
