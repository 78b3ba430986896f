package transfer

import (
	"errors"
	"fmt"
)

// ErrNoResumeData reports a resume attempt with neither resumable continuation
// data nor an original source URI. Non-fatal; the caller retries manually.
var ErrNoResumeData = errors.New("no resume data available")

// ErrNotFound reports a lookup for a record that is not in the collection.
var ErrNotFound = errors.New("record not found")

// TransferError represents a non-cancellation network or protocol failure
// surfaced by the transfer engine.
type TransferError struct {
	TaskID string // Engine task the failure belongs to
	Reason string // Human-readable explanation from the transport layer
	Err    error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed: %s", e.TaskID, e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// RelocationError represents a local filesystem fault while moving a completed
// artifact to its stable location. The record is intentionally retained when
// this occurs, since the cause is a disk problem rather than a network fault.
type RelocationError struct {
	Path string // Destination path the move was targeting
	Err  error  // Underlying error, if any
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("failed to relocate artifact to %s", e.Path)
}

func (e *RelocationError) Unwrap() error {
	return e.Err
}

// PipelineError represents a post-processing rejection of a completed artifact.
type PipelineError struct {
	Artifact string // Artifact path handed to the pipeline
	Reason   string // Human-readable explanation of the rejection
	Err      error  // Underlying error, if any
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline rejected artifact %s: %s", e.Artifact, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
