// Package manager orchestrates the collection of transfer records: it starts
// and cancels transfers through the engine, applies the engine's asynchronous
// callbacks, reconciles against the engine's live task list and hands
// completed artifacts to the post-processing pipeline.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/9z91/feather/internal/logctx"
	"github.com/9z91/feather/internal/telemetry"
	"github.com/9z91/feather/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const dirPerm = 0755

const subscriberBuffer = 8

// Manager owns the canonical record collection. Every mutation happens under
// one lock, and all engine callbacks are applied by the single Run goroutine,
// so two completion events never race on removal and observers never see a
// torn collection. Observers receive immutable snapshots, never references
// into mutable state.
type Manager struct {
	engine   transfer.Engine
	pipeline transfer.Pipeline
	notifier transfer.Notifier
	workDir  string
	tel      *telemetry.Telemetry

	mu        sync.Mutex
	records   []*transfer.Record
	started   map[string]time.Time
	flushDone func()
	subs      []chan []transfer.Snapshot
}

// New creates a download manager. The telemetry instance must be non-nil; a
// disabled one turns all recording into no-ops. The notifier may be nil.
func New(engine transfer.Engine, pipeline transfer.Pipeline, notifier transfer.Notifier, workDir string, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		engine:   engine,
		pipeline: pipeline,
		notifier: notifier,
		workDir:  workDir,
		tel:      tel,
		started:  make(map[string]time.Time),
	}
}

// Run consumes the engine's event stream until the context is cancelled or
// the stream closes. It is the only consumer of the stream.
func (m *Manager) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching transfer events")

	events := m.engine.Events()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down download manager")

			return
		case ev, ok := <-events:
			if !ok {
				logger.Info("engine event stream closed")

				return
			}

			m.tel.RecordEngineEvent(string(ev.Type))

			switch ev.Type {
			case transfer.EventProgress:
				m.handleProgress(ctx, ev)
			case transfer.EventCompleted:
				m.handleCompleted(ctx, ev)
			case transfer.EventFailed:
				m.handleFailed(ctx, ev)
			case transfer.EventFlushed:
				m.handleFlushed(ctx)
			}
		}
	}
}

// StartDownload starts tracking a transfer for uri. If a record with the same
// source URI already exists it is resumed instead of duplicated, and the
// pre-existing record is returned. An empty id gets a generated one.
func (m *Manager) StartDownload(ctx context.Context, uri, id string) (transfer.Snapshot, error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findBySourceLocked(uri); existing != nil {
		if err := m.resumeLocked(ctx, existing); err != nil {
			logger.Warn("failed to resume existing download", "record_id", existing.ID, "err", err)
		}

		m.publishLocked()

		return existing.Snapshot(), nil
	}

	if id == "" {
		id = uuid.New().String()
	}

	rec := transfer.NewRecord(id, uri, false)

	task, err := m.engine.Start(ctx, rec.ID, uri)
	if err != nil {
		return transfer.Snapshot{}, fmt.Errorf("failed to start transfer: %w", err)
	}

	rec.Handle = task.ID
	m.appendLocked(rec)
	m.publishLocked()

	logger.Info("download started", "record_id", rec.ID, "source_uri", uri)

	return rec.Snapshot(), nil
}

// StartArchive tracks an archive-only unit: no network phase, progress driven
// entirely through SetUnpackProgress. The caller removes it when done.
func (m *Manager) StartArchive(ctx context.Context, uri, id string) (transfer.Snapshot, error) {
	if id == "" {
		id = uuid.New().String()
	}

	rec := transfer.NewRecord(id, uri, true)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(rec)
	m.publishLocked()

	logctx.LoggerFromContext(ctx).Info("archive unit started", "record_id", rec.ID)

	return rec.Snapshot(), nil
}

// ResumeDownload resumes the record with the given id: from its continuation
// blob when one exists, otherwise by re-issuing the original request. Returns
// transfer.ErrNoResumeData when neither is available.
func (m *Manager) ResumeDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findByIDLocked(id)
	if r == nil {
		return transfer.ErrNotFound
	}

	if err := m.resumeLocked(ctx, r); err != nil {
		return err
	}

	m.publishLocked()

	return nil
}

// CancelDownload removes the record unconditionally and asks the engine to
// stop the underlying transfer. Cancellation of the transfer itself is
// best-effort; a late callback for the dead handle is dropped by Run.
func (m *Manager) CancelDownload(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	r := m.findByIDLocked(id)
	if r == nil {
		m.mu.Unlock()

		return transfer.ErrNotFound
	}

	handle := r.Handle
	m.removeLocked(r.ID, "cancelled")
	m.publishLocked()
	m.mu.Unlock()

	if handle != "" {
		if err := m.engine.Cancel(ctx, handle); err != nil {
			logger.Debug("cancel did not reach the engine task", "record_id", id, "handle", handle, "err", err)
		}
	}

	logger.Info("download cancelled", "record_id", id)

	return nil
}

// PauseAll suspends every active handle without removing records. Suspension
// does not clear resume data.
func (m *Manager) PauseAll(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for _, handle := range m.activeHandles() {
		if err := m.engine.Suspend(ctx, handle); err != nil {
			logger.Warn("failed to suspend transfer", "handle", handle, "err", err)
		}
	}
}

// ResumeAll resumes every suspended handle.
func (m *Manager) ResumeAll(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for _, handle := range m.activeHandles() {
		if err := m.engine.Resume(ctx, handle); err != nil {
			logger.Warn("failed to resume transfer", "handle", handle, "err", err)
		}
	}
}

// Reconcile re-synchronizes the collection with the engine's live task list.
// Known handles get their counters refreshed; tasks with no record (lost
// across a restart) get one synthesized from the original request URI. Safe
// to call repeatedly: matching is by handle id, which is stable across
// restarts, so no duplicates are ever created.
func (m *Manager) Reconcile(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	tasks, err := m.engine.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate engine tasks: %w", err)
	}

	synthesized := 0

	m.mu.Lock()

	for _, task := range tasks {
		if r := m.findByHandleLocked(task.ID); r != nil {
			m.applyCountersLocked(r, task.BytesDone, task.BytesTotal)

			continue
		}

		r := transfer.NewRecord(task.ID, task.SourceURI, false)
		r.Handle = task.ID
		m.applyCountersLocked(r, task.BytesDone, task.BytesTotal)
		m.appendLocked(r)
		synthesized++

		logger.Info("synthesized record for rediscovered transfer",
			"record_id", r.ID,
			"source_uri", r.SourceURI,
			"bytes_done", humanize.Bytes(uint64(task.BytesDone)),
		)
	}

	m.publishLocked()
	m.mu.Unlock()

	m.tel.RecordReconcile(synthesized)

	logger.Info("reconciled against engine", "live_tasks", len(tasks), "synthesized", synthesized)

	return nil
}

// OnBackgroundFlush registers a one-shot callback fired when the engine
// signals that all queued background events have been delivered. Registering
// again replaces the previous callback; firing clears it.
func (m *Manager) OnBackgroundFlush(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushDone = fn
}

// SetUnpackProgress advances the unpack phase of the record with the given
// id. Progress is clamped to [0,1] and never moves backward.
func (m *Manager) SetUnpackProgress(id string, p float64) {
	if p < 0 {
		p = 0
	}

	if p > 1 {
		p = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findByIDLocked(id)
	if r == nil {
		return
	}

	if p > r.UnpackProgress {
		r.UnpackProgress = p
		m.publishLocked()
	}
}

// GetDownload returns a snapshot of the record with the given id.
func (m *Manager) GetDownload(id string) (transfer.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.findByIDLocked(id); r != nil {
		return r.Snapshot(), true
	}

	return transfer.Snapshot{}, false
}

// Downloads returns a snapshot of the whole collection.
func (m *Manager) Downloads() []transfer.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotsLocked()
}

// Subscribe registers an observer of collection snapshots. A full snapshot is
// published after every mutation; slow observers miss intermediate states
// rather than blocking the manager.
func (m *Manager) Subscribe() <-chan []transfer.Snapshot {
	ch := make(chan []transfer.Snapshot, subscriberBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, ch)

	return ch
}

// Remove deletes an archive-only record the caller finished driving.
// CancelDownload covers records with a network phase.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.findByIDLocked(id); r != nil {
		m.removeLocked(r.ID, "completed")
		m.publishLocked()

		return nil
	}

	return transfer.ErrNotFound
}

// ========================================================================
// Engine event handlers, invoked only from Run.

func (m *Manager) handleProgress(ctx context.Context, ev transfer.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findByHandleLocked(ev.TaskID)
	if r == nil {
		logctx.LoggerFromContext(ctx).Debug("dropping progress for unknown handle", "handle", ev.TaskID)

		return
	}

	m.applyCountersLocked(r, ev.BytesDone, ev.BytesTotal)
	m.publishLocked()
}

func (m *Manager) handleCompleted(ctx context.Context, ev transfer.Event) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	r := m.findByHandleLocked(ev.TaskID)
	if r == nil {
		m.mu.Unlock()

		logger.Debug("dropping completion for unknown handle", "handle", ev.TaskID)

		return
	}

	m.applyCountersLocked(r, ev.BytesDone, ev.BytesTotal)

	if r.DownloadProgress < 1 {
		r.DownloadProgress = 1
	}

	r.Handle = ""
	snap := r.Snapshot()
	m.publishLocked()
	m.mu.Unlock()

	dest, err := m.relocate(ev.ArtifactPath, snap)
	if err != nil {
		// Local filesystem fault: keep the record so the stuck state stays
		// visible, and never hand a missing artifact to the pipeline.
		logger.Error("failed to relocate artifact", "record_id", snap.ID, "err", err)
		m.tel.RecordSystemError("manager", "relocation")

		return
	}

	logger.Info("artifact relocated", "record_id", snap.ID, "path", dest)

	go m.runPipeline(ctx, dest, snap)
}

func (m *Manager) handleFailed(ctx context.Context, ev transfer.Event) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findByHandleLocked(ev.TaskID)
	if r == nil {
		logger.Debug("dropping failure for unknown handle", "handle", ev.TaskID)

		return
	}

	if len(ev.ResumeData) > 0 {
		// Interrupted at a resumable position: keep the record so the caller
		// can resume from the continuation blob.
		r.ResumeData = ev.ResumeData
		r.Handle = ""
		m.publishLocked()

		logger.Warn("transfer interrupted with resume data", "record_id", r.ID, "reason", ev.Reason)

		return
	}

	terr := &transfer.TransferError{TaskID: ev.TaskID, Reason: ev.Reason}
	logger.Error("transfer failed", "record_id", r.ID, "err", terr)

	m.removeLocked(r.ID, "failed")
	m.publishLocked()
}

func (m *Manager) handleFlushed(ctx context.Context) {
	m.mu.Lock()
	fn := m.flushDone
	m.flushDone = nil
	m.mu.Unlock()

	if fn != nil {
		logctx.LoggerFromContext(ctx).Debug("background events flushed")

		fn()
	}
}

// ========================================================================
// Completion hand-off.

// relocate moves the artifact from its transient location to the stable
// per-transfer working location. Last writer wins: an existing file at the
// destination is removed first.
func (m *Manager) relocate(src string, snap transfer.Snapshot) (string, error) {
	destDir := filepath.Join(m.workDir, snap.ID)
	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return "", &transfer.RelocationError{Path: destDir, Err: err}
	}

	dest := filepath.Join(destDir, snap.DisplayName)

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return "", &transfer.RelocationError{Path: dest, Err: err}
	}

	if err := os.Rename(src, dest); err != nil {
		return "", &transfer.RelocationError{Path: dest, Err: err}
	}

	return dest, nil
}

// runPipeline hands the relocated artifact to the pipeline. The record's
// lifecycle ends here regardless of the pipeline outcome; a rejection raises
// the user-visible failure signal exactly once.
func (m *Manager) runPipeline(ctx context.Context, dest string, snap transfer.Snapshot) {
	logger := logctx.LoggerFromContext(ctx)

	err := m.tel.InstrumentPipeline(ctx, func(ctx context.Context) error {
		return m.pipeline.Handle(ctx, dest, snap, func(p float64) {
			m.SetUnpackProgress(snap.ID, p)
		})
	})

	status := "completed"
	if err != nil {
		status = "pipeline_failed"
	}

	m.mu.Lock()
	if r := m.findByIDLocked(snap.ID); r != nil {
		m.removeLocked(r.ID, status)
		m.publishLocked()
	}
	m.mu.Unlock()

	if err != nil {
		perr := &transfer.PipelineError{Artifact: dest, Reason: err.Error(), Err: err}
		logger.Error("pipeline rejected artifact", "record_id", snap.ID, "err", perr)

		if m.notifier != nil {
			if nerr := m.notifier.Notify("❌ Failed to process " + snap.DisplayName); nerr != nil {
				logger.Error("failed to send failure signal", "record_id", snap.ID, "err", nerr)
			}
		}

		return
	}

	logger.Info("download finished", "record_id", snap.ID, "artifact", dest)
}

// ========================================================================
// Locked helpers. Lookups are linear scans; the collection is bounded by
// concurrent user-initiated transfers.

func (m *Manager) resumeLocked(ctx context.Context, r *transfer.Record) error {
	if r.ArchiveOnly {
		return nil
	}

	if r.Handle != "" {
		if err := m.engine.Resume(ctx, r.Handle); err == nil {
			return nil
		}
		// The engine no longer knows the handle; fall through to the
		// continuation blob or a fresh request.
	}

	if len(r.ResumeData) > 0 {
		task, err := m.engine.StartFromResumeData(ctx, r.ResumeData)
		if err != nil {
			return fmt.Errorf("failed to resume from continuation data: %w", err)
		}

		r.Handle = task.ID
		r.ResumeData = nil

		return nil
	}

	if r.SourceURI != "" {
		task, err := m.engine.Start(ctx, r.ID, r.SourceURI)
		if err != nil {
			return fmt.Errorf("failed to re-issue transfer: %w", err)
		}

		// Explicit restart: the network phase starts over.
		r.Handle = task.ID
		r.DownloadProgress = 0
		r.BytesDownloaded = 0
		r.TotalBytes = 0

		return nil
	}

	return transfer.ErrNoResumeData
}

func (m *Manager) applyCountersLocked(r *transfer.Record, done, total int64) {
	if done > r.BytesDownloaded {
		r.BytesDownloaded = done
	}

	if total > 0 {
		r.TotalBytes = total
	}

	if r.TotalBytes > 0 {
		p := float64(r.BytesDownloaded) / float64(r.TotalBytes)
		if p > 1 {
			p = 1
		}

		if p > r.DownloadProgress {
			r.DownloadProgress = p
		}
	}
}

func (m *Manager) appendLocked(r *transfer.Record) {
	m.records = append(m.records, r)
	m.started[r.ID] = time.Now()
	m.tel.IncrementActiveDownloads()
}

func (m *Manager) removeLocked(id, status string) {
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)

			break
		}
	}

	m.tel.DecrementActiveDownloads()
	m.tel.RecordDownload(status, time.Since(m.started[id]))
	delete(m.started, id)
}

func (m *Manager) findByIDLocked(id string) *transfer.Record {
	for _, r := range m.records {
		if r.ID == id {
			return r
		}
	}

	return nil
}

func (m *Manager) findBySourceLocked(uri string) *transfer.Record {
	for _, r := range m.records {
		if r.SourceURI == uri {
			return r
		}
	}

	return nil
}

func (m *Manager) findByHandleLocked(handle string) *transfer.Record {
	for _, r := range m.records {
		if r.Handle == handle {
			return r
		}
	}

	return nil
}

func (m *Manager) snapshotsLocked() []transfer.Snapshot {
	snaps := make([]transfer.Snapshot, 0, len(m.records))
	for _, r := range m.records {
		snaps = append(snaps, r.Snapshot())
	}

	return snaps
}

func (m *Manager) publishLocked() {
	if len(m.subs) == 0 {
		return
	}

	snaps := m.snapshotsLocked()

	for _, sub := range m.subs {
		select {
		case sub <- snaps:
		default: // observer is slow; it will catch up on the next publish
		}
	}
}

func (m *Manager) activeHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]string, 0, len(m.records))

	for _, r := range m.records {
		if r.Handle != "" {
			handles = append(handles, r.Handle)
		}
	}

	return handles
}
