package httpeng

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/9z91/feather/internal/engine/sqlite"
	"github.com/9z91/feather/internal/transfer"
	"github.com/stretchr/testify/require"
)

// memJournal implements Journal in memory.
type memJournal struct {
	mu      sync.Mutex
	entries map[string]sqlite.Entry
	upserts int
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string]sqlite.Entry)}
}

func (j *memJournal) Upsert(e sqlite.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.upserts++
	j.entries[e.TaskID] = e

	return nil
}

func (j *memJournal) UpdateBytes(taskID string, done, total int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e, ok := j.entries[taskID]; ok {
		e.BytesDone = done
		e.BytesTotal = total
		j.entries[taskID] = e
	}

	return nil
}

func (j *memJournal) UpdateState(taskID, state string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e, ok := j.entries[taskID]; ok {
		e.State = state
		j.entries[taskID] = e
	}

	return nil
}

func (j *memJournal) Delete(taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.entries, taskID)

	return nil
}

func (j *memJournal) List() ([]sqlite.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := make([]sqlite.Entry, 0, len(j.entries))
	for _, e := range j.entries {
		entries = append(entries, e)
	}

	return entries, nil
}

func (j *memJournal) get(taskID string) (sqlite.Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[taskID]

	return e, ok
}

func newTestEngine(t *testing.T, journal Journal) *Engine {
	t.Helper()

	eng, err := New(context.Background(), t.TempDir(), journal, nil, 1)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return eng
}

// waitForEvent drains the stream until an event of the wanted type arrives for
// the given task, skipping progress events along the way.
func waitForEvent(t *testing.T, events <-chan transfer.Event, typ transfer.EventType, taskID string) transfer.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case ev := <-events:
			if ev.Type == typ && (taskID == "" || ev.TaskID == taskID) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestStart_DownloadsToSpool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	journal := newMemJournal()
	eng := newTestEngine(t, journal)

	task, err := eng.Start(context.Background(), "task-1", srv.URL+"/file.bin")
	require.NoError(t, err)
	require.Equal(t, "task-1", task.ID)

	ev := waitForEvent(t, eng.Events(), transfer.EventCompleted, "task-1")
	require.Equal(t, int64(11), ev.BytesDone)
	require.Equal(t, int64(11), ev.BytesTotal)

	payload, err := os.ReadFile(ev.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(payload))

	// Completion retires the task from the live set and the journal.
	tasks, err := eng.Tasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)

	_, ok := journal.get("task-1")
	require.False(t, ok)
}

func TestStart_GeneratesTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, newMemJournal())

	task, err := eng.Start(context.Background(), "", srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
}

func TestStart_IdempotentByTaskID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Write([]byte("x"))
	}))
	defer srv.Close()
	defer close(release)

	journal := newMemJournal()
	eng := newTestEngine(t, journal)

	_, err := eng.Start(context.Background(), "task-1", srv.URL)
	require.NoError(t, err)
	<-started

	// Starting the same id again returns the live task without a second
	// journal row or worker.
	task, err := eng.Start(context.Background(), "task-1", srv.URL)
	require.NoError(t, err)
	require.Equal(t, "task-1", task.ID)

	journal.mu.Lock()
	upserts := journal.upserts
	journal.mu.Unlock()
	require.Equal(t, 1, upserts)
}

func TestSuspendResume_ContinuesFromOffset(t *testing.T) {
	var ranged sync.Once
	gotRange := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			ranged.Do(func() { gotRange <- rng })
			w.Header().Set("Content-Range", "bytes 5-9/10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("world"))

			return
		}

		// First request: stream half the body, then stall until the client
		// goes away.
		w.Header().Set("Content-Length", "10")
		w.Write([]byte("hello"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	journal := newMemJournal()
	eng := newTestEngine(t, journal)

	_, err := eng.Start(context.Background(), "task-1", srv.URL)
	require.NoError(t, err)

	// Wait until the first half is on disk before suspending.
	for {
		ev := waitForEvent(t, eng.Events(), transfer.EventProgress, "task-1")
		if ev.BytesDone >= 5 {
			break
		}
	}

	require.NoError(t, eng.Suspend(context.Background(), "task-1"))

	require.Eventually(t, func() bool {
		e, ok := journal.get("task-1")

		return ok && e.State == sqlite.StateSuspended
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Resume(context.Background(), "task-1"))

	ev := waitForEvent(t, eng.Events(), transfer.EventCompleted, "task-1")
	require.Equal(t, int64(10), ev.BytesDone)

	require.Equal(t, "bytes=5-", <-gotRange)

	payload, err := os.ReadFile(ev.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(payload))
}

func TestRangeIgnored_RestartsFromZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 regardless of the Range header.
		w.Write([]byte("fresh content"))
	}))
	defer srv.Close()

	journal := newMemJournal()
	require.NoError(t, journal.Upsert(sqlite.Entry{TaskID: "task-1", SourceURI: srv.URL, State: sqlite.StateActive}))

	eng := newTestEngine(t, journal)

	// Leftover partial bytes from a previous run.
	require.NoError(t, os.WriteFile(eng.spoolPath("task-1"), []byte("stale"), 0644))

	require.NoError(t, eng.Recover(context.Background(), 2))

	ev := waitForEvent(t, eng.Events(), transfer.EventCompleted, "task-1")

	payload, err := os.ReadFile(ev.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, "fresh content", string(payload))
}

func TestRecover_ReattachesAndFlushes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=5-" {
			w.Header().Set("Content-Range", "bytes 5-9/10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("world"))

			return
		}

		w.Write([]byte("helloworld"))
	}))
	defer srv.Close()

	journal := newMemJournal()
	require.NoError(t, journal.Upsert(sqlite.Entry{TaskID: "task-1", SourceURI: srv.URL, State: sqlite.StateActive}))
	require.NoError(t, journal.Upsert(sqlite.Entry{TaskID: "task-2", SourceURI: srv.URL, State: sqlite.StateSuspended}))

	eng := newTestEngine(t, journal)
	require.NoError(t, os.WriteFile(eng.spoolPath("task-1"), []byte("hello"), 0644))

	require.NoError(t, eng.Recover(context.Background(), 2))

	// Both the recovered task's completion and the flush marker must arrive;
	// their relative order is not fixed.
	var completed transfer.Event

	flushed := false
	deadline := time.After(5 * time.Second)

	for completed.Type == "" || !flushed {
		select {
		case ev := <-eng.Events():
			switch ev.Type {
			case transfer.EventCompleted:
				completed = ev
			case transfer.EventFlushed:
				flushed = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for recovery events")
		}
	}

	payload, err := os.ReadFile(completed.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(payload))

	// The suspended task is re-registered without a worker.

	tasks, err := eng.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "task-2", tasks[0].ID)
}

func TestCancel_DiscardsSpoolAndJournal(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Write([]byte("hello"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	journal := newMemJournal()
	eng := newTestEngine(t, journal)

	_, err := eng.Start(context.Background(), "task-1", srv.URL)
	require.NoError(t, err)

	waitForEvent(t, eng.Events(), transfer.EventProgress, "task-1")

	require.NoError(t, eng.Cancel(context.Background(), "task-1"))

	_, ok := journal.get("task-1")
	require.False(t, ok)

	_, err = os.Stat(eng.spoolPath("task-1"))
	require.True(t, os.IsNotExist(err))

	require.ErrorIs(t, eng.Cancel(context.Background(), "task-1"), ErrUnknownTask)
}

func TestServerError_FailsWithResumeData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eng := newTestEngine(t, newMemJournal())

	_, err := eng.Start(context.Background(), "task-1", srv.URL+"/file.bin")
	require.NoError(t, err)

	ev := waitForEvent(t, eng.Events(), transfer.EventFailed, "task-1")
	require.Contains(t, ev.Reason, "503")
	require.NotEmpty(t, ev.ResumeData)

	var state resumeState
	require.NoError(t, json.Unmarshal(ev.ResumeData, &state))
	require.Equal(t, "task-1", state.TaskID)
	require.Equal(t, srv.URL+"/file.bin", state.SourceURI)
	require.Equal(t, eng.spoolPath("task-1"), state.SpoolPath)
}

func TestStartFromResumeData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, newMemJournal())

	blob, err := json.Marshal(resumeState{
		TaskID:    "task-1",
		SourceURI: srv.URL,
		SpoolPath: eng.spoolPath("task-1"),
	})
	require.NoError(t, err)

	task, err := eng.StartFromResumeData(context.Background(), blob)
	require.NoError(t, err)
	require.Equal(t, "task-1", task.ID)

	waitForEvent(t, eng.Events(), transfer.EventCompleted, "task-1")
}

func TestStartFromResumeData_Invalid(t *testing.T) {
	eng := newTestEngine(t, newMemJournal())

	_, err := eng.StartFromResumeData(context.Background(), []byte("not json"))
	require.Error(t, err)

	_, err = eng.StartFromResumeData(context.Background(), []byte(`{"task_id":"x"}`))
	require.ErrorIs(t, err, transfer.ErrNoResumeData)
}

func TestUnknownTaskOperations(t *testing.T) {
	eng := newTestEngine(t, newMemJournal())

	require.ErrorIs(t, eng.Suspend(context.Background(), "missing"), ErrUnknownTask)
	require.ErrorIs(t, eng.Resume(context.Background(), "missing"), ErrUnknownTask)
	require.ErrorIs(t, eng.Cancel(context.Background(), "missing"), ErrUnknownTask)
}
