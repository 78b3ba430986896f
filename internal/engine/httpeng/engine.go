// Package httpeng implements the persistent transfer engine over plain HTTP.
// Each task runs in its own goroutine, streams into a spool file and survives
// process restarts through the task journal: on startup Recover re-attaches to
// partial spool files and continues from the last byte via Range requests.
package httpeng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/9z91/feather/internal/engine/sqlite"
	"github.com/9z91/feather/internal/logctx"
	"github.com/9z91/feather/internal/progress"
	"github.com/9z91/feather/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	eventBuffer = 64
)

// ErrUnknownTask reports an operation against a task id the engine does not know.
var ErrUnknownTask = errors.New("unknown task")

// Journal persists task state across process restarts.
type Journal interface {
	Upsert(e sqlite.Entry) error
	UpdateBytes(taskID string, done, total int64) error
	UpdateState(taskID, state string) error
	Delete(taskID string) error
	List() ([]sqlite.Entry, error)
}

// Engine is the HTTP transfer engine.
type Engine struct {
	spoolDir       string
	journal        Journal
	client         *http.Client
	reportInterval int64

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task

	events chan transfer.Event
}

type task struct {
	id        string
	sourceURI string

	bytesDone  atomic.Int64
	bytesTotal atomic.Int64

	// suspended and cancel are guarded by Engine.mu. cancel is nil while no
	// worker goroutine is running for the task.
	suspended bool
	cancel    context.CancelFunc
}

// resumeState is the serialized form of the opaque continuation blob handed
// upward when a transfer is interrupted at a resumable position.
type resumeState struct {
	TaskID    string `json:"task_id"`
	SourceURI string `json:"source_uri"`
	SpoolPath string `json:"spool_path"`
}

// New creates an HTTP transfer engine. The context bounds the lifetime of all
// task goroutines; the logger it carries is used for worker logging.
func New(ctx context.Context, spoolDir string, journal Journal, client *http.Client, reportInterval int64) (*Engine, error) {
	if err := os.MkdirAll(spoolDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	baseCtx, stop := context.WithCancel(ctx)

	return &Engine{
		spoolDir:       spoolDir,
		journal:        journal,
		client:         client,
		reportInterval: reportInterval,
		baseCtx:        baseCtx,
		stop:           stop,
		tasks:          make(map[string]*task),
		events:         make(chan transfer.Event, eventBuffer),
	}, nil
}

// Events yields progress, completion, failure and flush callbacks. Events are
// delivered from the workers' own goroutines.
func (e *Engine) Events() <-chan transfer.Event {
	return e.events
}

// Recover reloads the task journal after a process restart: active tasks get a
// fresh worker continuing from their spool file, suspended tasks are
// re-registered without one. It finishes by signalling that all queued
// background events have been delivered.
func (e *Engine) Recover(ctx context.Context, maxParallel int) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := e.journal.List()
	if err != nil {
		return fmt.Errorf("failed to list journal: %w", err)
	}

	wg, _ := errgroup.WithContext(ctx)
	wg.SetLimit(maxParallel)

	for _, entry := range entries {
		wg.Go(func() error {
			t := &task{id: entry.TaskID, sourceURI: entry.SourceURI}
			t.bytesTotal.Store(entry.BytesTotal)

			if info, err := os.Stat(e.spoolPath(entry.TaskID)); err == nil {
				t.bytesDone.Store(info.Size())
			}

			e.mu.Lock()
			e.tasks[t.id] = t
			t.suspended = entry.State == sqlite.StateSuspended

			if !t.suspended {
				e.spawnWorkerLocked(t)
			}
			e.mu.Unlock()

			logger.Info("recovered task from journal",
				"task_id", entry.TaskID,
				"state", entry.State,
				"bytes_done", humanize.Bytes(uint64(t.bytesDone.Load())),
			)

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	e.emit(transfer.Event{Type: transfer.EventFlushed})

	return nil
}

// Start issues a fresh transfer for sourceURI. An empty taskID gets a
// generated one. Returns promptly; outcomes arrive on Events.
func (e *Engine) Start(ctx context.Context, taskID, sourceURI string) (*transfer.Task, error) {
	if taskID == "" {
		taskID = uuid.New().String()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.tasks[taskID]; ok {
		return snapshotTask(existing), nil
	}

	if err := e.journal.Upsert(sqlite.Entry{TaskID: taskID, SourceURI: sourceURI, State: sqlite.StateActive}); err != nil {
		return nil, fmt.Errorf("failed to journal task: %w", err)
	}

	t := &task{id: taskID, sourceURI: sourceURI}
	e.tasks[taskID] = t
	e.spawnWorkerLocked(t)

	return snapshotTask(t), nil
}

// StartFromResumeData continues a previously interrupted transfer from its
// continuation blob, re-attaching to whatever partial spool bytes survived.
func (e *Engine) StartFromResumeData(ctx context.Context, data []byte) (*transfer.Task, error) {
	var state resumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("invalid resume data: %w", err)
	}

	if state.SourceURI == "" {
		return nil, fmt.Errorf("invalid resume data: %w", transfer.ErrNoResumeData)
	}

	return e.Start(ctx, state.TaskID, state.SourceURI)
}

// Suspend pauses a task. Partial spool bytes and the journal row are retained.
func (e *Engine) Suspend(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}

	if t.suspended {
		return nil
	}

	t.suspended = true

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	return nil
}

// Resume continues a suspended task from its spool offset.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}

	if !t.suspended {
		return nil
	}

	t.suspended = false

	if err := e.journal.UpdateState(taskID, sqlite.StateActive); err != nil {
		return fmt.Errorf("failed to journal task state: %w", err)
	}

	e.spawnWorkerLocked(t)

	return nil
}

// Cancel stops a task and discards its partial bytes and journal row. A late
// event from the worker may still be delivered after Cancel returns.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if ok {
		delete(e.tasks, taskID)

		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	e.mu.Unlock()

	if !ok {
		return ErrUnknownTask
	}

	if err := e.journal.Delete(taskID); err != nil {
		return fmt.Errorf("failed to remove journal row: %w", err)
	}

	if err := os.Remove(e.spoolPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}

	return nil
}

// Tasks enumerates every live task, suspended ones included.
func (e *Engine) Tasks(ctx context.Context) ([]*transfer.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := make([]*transfer.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, snapshotTask(t))
	}

	return tasks, nil
}

// Close stops every worker and waits for them to exit, then closes the event
// stream.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
	close(e.events)
}

func (e *Engine) spoolPath(taskID string) string {
	return filepath.Join(e.spoolDir, taskID+".partial")
}

// spawnWorkerLocked starts a worker goroutine for t. Engine.mu must be held.
func (e *Engine) spawnWorkerLocked(t *task) {
	tctx, cancel := context.WithCancel(e.baseCtx)
	t.cancel = cancel

	e.wg.Add(1)

	go e.runTask(tctx, t)
}

func (e *Engine) runTask(tctx context.Context, t *task) {
	defer e.wg.Done()

	logger := logctx.LoggerFromContext(e.baseCtx).With("task_id", t.id)
	spool := e.spoolPath(t.id)

	f, err := os.OpenFile(spool, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		e.finishFailed(t, "failed to open spool file: "+err.Error(), nil)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		e.finishFailed(t, "failed to stat spool file: "+err.Error(), nil)

		return
	}

	offset := info.Size()

	req, err := http.NewRequestWithContext(tctx, http.MethodGet, t.sourceURI, nil)
	if err != nil {
		e.finishFailed(t, "invalid source uri: "+err.Error(), nil)

		return
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if tctx.Err() != nil {
			e.workerStopped(t, logger)

			return
		}

		e.finishFailed(t, "request failed: "+err.Error(), e.resumeBlob(t))

		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range request; start over from byte zero.
		if offset > 0 {
			if err := f.Truncate(0); err != nil {
				e.finishFailed(t, "failed to truncate spool file: "+err.Error(), nil)

				return
			}

			offset = 0
		}
	case http.StatusPartialContent:
	default:
		e.finishFailed(t, fmt.Sprintf("unexpected status %d", resp.StatusCode), e.resumeBlob(t))

		return
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		e.finishFailed(t, "failed to seek spool file: "+err.Error(), nil)

		return
	}

	var total int64
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	t.bytesDone.Store(offset)
	t.bytesTotal.Store(total)

	logger.Info("transferring",
		"source_uri", t.sourceURI,
		"offset", humanize.Bytes(uint64(offset)),
		"total", humanize.Bytes(uint64(total)),
	)

	var reported int64 = offset

	pr := progress.NewReader(resp.Body, total, e.reportInterval, func(done, _ int64) {
		cur := offset + done
		written := cur - reported
		reported = cur

		t.bytesDone.Store(cur)

		if err := e.journal.UpdateBytes(t.id, cur, total); err != nil {
			logger.Error("failed to journal progress", "err", err)
		}

		e.emit(transfer.Event{
			Type:         transfer.EventProgress,
			TaskID:       t.id,
			BytesWritten: written,
			BytesDone:    cur,
			BytesTotal:   total,
		})
	})

	if _, err := io.Copy(f, pr); err != nil {
		if tctx.Err() != nil {
			e.workerStopped(t, logger)

			return
		}

		e.finishFailed(t, "transfer interrupted: "+err.Error(), e.resumeBlob(t))

		return
	}

	final := offset + pr.Done()
	if total == 0 {
		total = final
	}

	t.bytesDone.Store(final)
	t.bytesTotal.Store(total)

	if err := f.Sync(); err != nil {
		e.finishFailed(t, "failed to sync spool file: "+err.Error(), e.resumeBlob(t))

		return
	}

	e.mu.Lock()
	delete(e.tasks, t.id)
	e.mu.Unlock()

	if err := e.journal.Delete(t.id); err != nil {
		logger.Error("failed to remove journal row", "err", err)
	}

	logger.Info("transfer completed", "bytes", humanize.Bytes(uint64(final)))

	e.emit(transfer.Event{
		Type:         transfer.EventCompleted,
		TaskID:       t.id,
		BytesDone:    final,
		BytesTotal:   total,
		ArtifactPath: spool,
	})
}

// workerStopped handles a worker exiting because its context was cancelled,
// which happens on suspend, on cancel and on engine shutdown.
func (e *Engine) workerStopped(t *task, logger *slog.Logger) {
	e.mu.Lock()
	_, known := e.tasks[t.id]
	suspended := t.suspended
	e.mu.Unlock()

	if known && suspended {
		if err := e.journal.UpdateState(t.id, sqlite.StateSuspended); err != nil {
			e.emit(transfer.Event{
				Type:   transfer.EventFailed,
				TaskID: t.id,
				Reason: "failed to journal suspension: " + err.Error(),
			})

			return
		}

		logger.Info("task suspended", "bytes_done", humanize.Bytes(uint64(t.bytesDone.Load())))
	}
	// Cancelled tasks were already cleaned up by Cancel.
}

// finishFailed removes the task and reports the failure upward. A non-nil
// resume blob means partial bytes survive and the transfer can continue later.
func (e *Engine) finishFailed(t *task, reason string, resumeData []byte) {
	e.mu.Lock()
	delete(e.tasks, t.id)
	e.mu.Unlock()

	_ = e.journal.Delete(t.id)

	if resumeData == nil {
		_ = os.Remove(e.spoolPath(t.id))
	}

	e.emit(transfer.Event{
		Type:       transfer.EventFailed,
		TaskID:     t.id,
		Reason:     reason,
		ResumeData: resumeData,
	})
}

func (e *Engine) resumeBlob(t *task) []byte {
	data, err := json.Marshal(resumeState{
		TaskID:    t.id,
		SourceURI: t.sourceURI,
		SpoolPath: e.spoolPath(t.id),
	})
	if err != nil {
		return nil
	}

	return data
}

func (e *Engine) emit(ev transfer.Event) {
	select {
	case e.events <- ev:
	case <-e.baseCtx.Done():
	}
}

func snapshotTask(t *task) *transfer.Task {
	return &transfer.Task{
		ID:         t.id,
		SourceURI:  t.sourceURI,
		BytesDone:  t.bytesDone.Load(),
		BytesTotal: t.bytesTotal.Load(),
	}
}
