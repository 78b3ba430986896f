package sqlite

import (
	"context"
	"database/sql"

	"github.com/9z91/feather/internal/telemetry"
)

// InstrumentedJournal wraps Journal with telemetry.
type InstrumentedJournal struct {
	journal   *Journal
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJournal creates a new instrumented task journal.
func NewInstrumentedJournal(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedJournal {
	return &InstrumentedJournal{
		journal:   NewJournal(db),
		telemetry: tel,
	}
}

// Upsert records a task with telemetry.
func (j *InstrumentedJournal) Upsert(e Entry) error {
	return j.telemetry.InstrumentJournalOperation(context.Background(), "upsert", func(ctx context.Context) error {
		return j.journal.Upsert(e)
	})
}

// UpdateBytes refreshes byte counters with telemetry.
func (j *InstrumentedJournal) UpdateBytes(taskID string, done, total int64) error {
	return j.telemetry.InstrumentJournalOperation(context.Background(), "update_bytes", func(ctx context.Context) error {
		return j.journal.UpdateBytes(taskID, done, total)
	})
}

// UpdateState sets a task's state with telemetry.
func (j *InstrumentedJournal) UpdateState(taskID, state string) error {
	return j.telemetry.InstrumentJournalOperation(context.Background(), "update_state", func(ctx context.Context) error {
		return j.journal.UpdateState(taskID, state)
	})
}

// Delete removes a task with telemetry.
func (j *InstrumentedJournal) Delete(taskID string) error {
	return j.telemetry.InstrumentJournalOperation(context.Background(), "delete", func(ctx context.Context) error {
		return j.journal.Delete(taskID)
	})
}

// List returns every journaled task with telemetry.
func (j *InstrumentedJournal) List() ([]Entry, error) {
	var result []Entry

	var err error

	instrumentedErr := j.telemetry.InstrumentJournalOperation(context.Background(), "list", func(ctx context.Context) error {
		result, err = j.journal.List()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
