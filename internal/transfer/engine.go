package transfer

import "context"

// EventType identifies one kind of engine callback.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"

	// EventFlushed signals that every event queued while the owning process
	// was not running has been delivered.
	EventFlushed EventType = "flushed"
)

// Event is a single callback from the engine's concurrency domain. Progress
// events carry byte counters, completed events carry the transient artifact
// path and failed events may carry resumable continuation data.
type Event struct {
	Type   EventType
	TaskID string

	// Progress fields.
	BytesWritten int64 // bytes written since the previous progress event
	BytesDone    int64
	BytesTotal   int64 // 0 while the total is still unknown

	// Completion fields.
	ArtifactPath string

	// Failure fields.
	Reason     string
	ResumeData []byte
}

// Task describes one live transfer inside the engine. Task ids are stable
// across process restarts, which is what makes reconciliation able to match
// rediscovered tasks against known records.
type Task struct {
	ID         string
	SourceURI  string
	BytesDone  int64
	BytesTotal int64
}

// Engine is the façade over the persistent transfer subsystem. Transfers keep
// making progress while the owning process is dormant; Tasks re-enumerates
// them so the manager can reconcile after a gap in execution.
//
// All methods return promptly; results are observed through Events.
type Engine interface {
	// Start issues a fresh transfer for sourceURI under the given task id.
	Start(ctx context.Context, taskID, sourceURI string) (*Task, error)

	// StartFromResumeData continues a previously interrupted transfer from
	// its continuation blob.
	StartFromResumeData(ctx context.Context, data []byte) (*Task, error)

	// Suspend pauses a task without discarding its partial bytes.
	Suspend(ctx context.Context, taskID string) error

	// Resume continues a suspended task.
	Resume(ctx context.Context, taskID string) error

	// Cancel stops a task and discards its partial bytes. Best-effort: a late
	// event for the task may still be delivered.
	Cancel(ctx context.Context, taskID string) error

	// Tasks enumerates every live task the engine still knows about,
	// including tasks recovered from its own durable state.
	Tasks(ctx context.Context) ([]*Task, error)

	// Events yields progress, completion, failure and flush callbacks.
	Events() <-chan Event
}

// Pipeline consumes a completed artifact. The progress callback reports the
// unpack phase in [0,1]; the manager maps it onto the record's unpack progress.
type Pipeline interface {
	Handle(ctx context.Context, artifactPath string, snap Snapshot, progress func(float64)) error
}

// Notifier delivers a fire-and-forget user-visible signal.
type Notifier interface {
	Notify(content string) error
}
