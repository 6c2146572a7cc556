// Package journal provides an optional SQLite record of every event the
// pipeline saw and emitted, for after-the-fact inspection with the trace
// command. It is diagnostics only: nothing in the event path depends on it,
// and a write failure never propagates into dispatch.
package journal

import (
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/padwerk/xtalk/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Stage labels where in the pipeline an event was observed.
const (
	StageIn  = "in"  // received from the hardware input
	StageOut = "out" // emitted to the main output
	StageRef = "ref" // emitted to the reference output
)

// Journal records pipeline events for one run.
// Record is safe to call from the listener and dispatch goroutines.
type Journal struct {
	db *sql.DB

	mu      sync.Mutex
	runID   string
	started time.Time
	seq     int64
}

// Entry is one journalled event.
type Entry struct {
	Seq      int64
	Stage    string
	Kind     string
	Note     int
	Velocity int
	Channel  int
	AtMS     int64
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to journal: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying journal pragma: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Begin starts a new run and returns its id.
func (j *Journal) Begin(client string, started time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runID = id.String()
	j.started = started
	j.seq = 0
	_, err = j.db.Exec(
		`INSERT INTO runs (id, client, started_at) VALUES (?, ?, ?)`,
		j.runID, client, started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("recording run: %w", err)
	}
	return j.runID, nil
}

// Record appends one event observation to the current run.
func (j *Journal) Record(stage string, ev event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runID == "" {
		return fmt.Errorf("journal: no run started")
	}
	j.seq++
	_, err := j.db.Exec(
		`INSERT INTO events (run_id, seq, stage, kind, note, velocity, channel, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, j.seq, stage, ev.Kind.String(), ev.Note, ev.Velocity, ev.Channel,
		ev.Time.Sub(j.started).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Runs lists recorded run ids, newest first.
func (j *Journal) Runs() ([]string, error) {
	rows, err := j.db.Query(`SELECT id FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastRun returns the most recently started run id.
func (j *Journal) LastRun() (string, error) {
	var id string
	err := j.db.QueryRow(`SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("journal is empty")
	}
	if err != nil {
		return "", fmt.Errorf("finding last run: %w", err)
	}
	return id, nil
}

// Events returns the entries of one run in sequence order.
func (j *Journal) Events(runID string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT seq, stage, kind, note, velocity, channel, at_ms
		 FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Stage, &e.Kind, &e.Note, &e.Velocity, &e.Channel, &e.AtMS); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
