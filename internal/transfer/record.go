package transfer

import (
	"net/url"
	"path"
	"strings"
)

// Phase weights for the composed progress figure. The network phase dominates
// because unpacking is short relative to pulling the artifact.
const (
	downloadWeight = 0.7
	unpackWeight   = 0.3
)

// manualMarker tags transfer ids created by an explicit user action, as
// opposed to transfers issued automatically on the user's behalf.
const manualMarker = "manual"

// Record tracks one download through its network and unpack phases.
type Record struct {
	ID          string
	SourceURI   string
	DisplayName string

	// ArchiveOnly records skip the network phase entirely; their progress is
	// driven by the unpack phase alone and they never hold an engine handle.
	ArchiveOnly bool

	DownloadProgress float64
	BytesDownloaded  int64
	TotalBytes       int64
	UnpackProgress   float64

	// Handle is the engine task backing this record. Empty for archive-only
	// records and for records whose transfer reached a terminal state.
	Handle string

	// ResumeData is the opaque continuation blob produced when a transfer was
	// interrupted at a resumable position.
	ResumeData []byte
}

// NewRecord creates a record for the given source URI. The display name is
// derived from the last path segment of the URI.
func NewRecord(id, sourceURI string, archiveOnly bool) *Record {
	return &Record{
		ID:          id,
		SourceURI:   sourceURI,
		DisplayName: DisplayName(sourceURI),
		ArchiveOnly: archiveOnly,
	}
}

// OverallProgress composes both phases into a single figure in [0,1].
func (r *Record) OverallProgress() float64 {
	if r.ArchiveOnly {
		return r.UnpackProgress
	}

	return downloadWeight*r.DownloadProgress + unpackWeight*r.UnpackProgress
}

// Manual reports whether the record represents a user-initiated transfer.
func (r *Record) Manual() bool {
	return Manual(r.ID)
}

// Manual reports whether a transfer id marks a user-initiated transfer.
func Manual(id string) bool {
	return strings.Contains(id, manualMarker)
}

// DisplayName derives a human-readable name from the last path segment of uri.
// Falls back to the raw uri when it cannot be parsed or has no path.
func DisplayName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" || u.Path == "/" {
		return uri
	}

	return path.Base(u.Path)
}

// Snapshot is an immutable copy of a record handed to observers. Observers
// never receive references into the manager's mutable state.
type Snapshot struct {
	ID               string
	SourceURI        string
	DisplayName      string
	ArchiveOnly      bool
	DownloadProgress float64
	BytesDownloaded  int64
	TotalBytes       int64
	UnpackProgress   float64
	OverallProgress  float64
	Manual           bool
	Resumable        bool
}

// Snapshot returns an immutable copy of the record's observable fields.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		ID:               r.ID,
		SourceURI:        r.SourceURI,
		DisplayName:      r.DisplayName,
		ArchiveOnly:      r.ArchiveOnly,
		DownloadProgress: r.DownloadProgress,
		BytesDownloaded:  r.BytesDownloaded,
		TotalBytes:       r.TotalBytes,
		UnpackProgress:   r.UnpackProgress,
		OverallProgress:  r.OverallProgress(),
		Manual:           r.Manual(),
		Resumable:        len(r.ResumeData) > 0,
	}
}
