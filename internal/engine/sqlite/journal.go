// Package sqlite holds the transfer engine's task journal. The journal is the
// engine's own durability for in-flight transfers: after a process restart the
// engine reloads it, re-attaches to partial spool files and keeps going. The
// download manager itself never persists anything.
package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// Task states recorded in the journal.
const (
	StateActive    = "active"
	StateSuspended = "suspended"
)

// Entry is one journaled task.
type Entry struct {
	TaskID     string
	SourceURI  string
	BytesDone  int64
	BytesTotal int64
	State      string
}

// InitDB opens the journal database and creates the tasks table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		source_uri TEXT NOT NULL,
		bytes_done INTEGER NOT NULL DEFAULT 0,
		bytes_total INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'active'
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks table: %w", err)
	}

	return db, nil
}

// Journal persists engine task state.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Upsert records a task, replacing any previous row with the same id.
func (j *Journal) Upsert(e Entry) error {
	_, err := j.db.Exec(`
		INSERT INTO tasks (task_id, source_uri, bytes_done, bytes_total, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			source_uri = excluded.source_uri,
			bytes_done = excluded.bytes_done,
			bytes_total = excluded.bytes_total,
			state = excluded.state
	`, e.TaskID, e.SourceURI, e.BytesDone, e.BytesTotal, e.State)

	return err
}

// UpdateBytes refreshes a task's byte counters.
func (j *Journal) UpdateBytes(taskID string, done, total int64) error {
	_, err := j.db.Exec(`UPDATE tasks SET bytes_done = ?, bytes_total = ? WHERE task_id = ?`, done, total, taskID)

	return err
}

// UpdateState sets a task's lifecycle state.
func (j *Journal) UpdateState(taskID, state string) error {
	_, err := j.db.Exec(`UPDATE tasks SET state = ? WHERE task_id = ?`, state, taskID)

	return err
}

// Delete removes a task from the journal.
func (j *Journal) Delete(taskID string) error {
	_, err := j.db.Exec(`DELETE FROM tasks WHERE task_id = ?`, taskID)

	return err
}

// List returns every journaled task.
func (j *Journal) List() ([]Entry, error) {
	rows, err := j.db.Query(`SELECT task_id, source_uri, bytes_done, bytes_total, state FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var e Entry

		if err := rows.Scan(&e.TaskID, &e.SourceURI, &e.BytesDone, &e.BytesTotal, &e.State); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}
