package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Session states recorded in the journal.
const (
	StateRunning   = "running"
	StateCommitted = "committed"
	StateRegressed = "regressed"
)

// Journal is the SQLite log of sessions and per-path failures kept next to
// the mirror. It is advisory: the markers and metadata files remain the
// source of truth for repository state.
type Journal struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	batch   []failureEntry
	done    chan struct{}
	stopped bool
}

type failureEntry struct {
	time int64
	path string
	msg  string
}

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	Time           int64
	State          string
	Source         string
	Started        time.Time
	Finished       time.Time
	Files          int64
	Changed        int64
	Increments     int64
	IncrementBytes int64
	Failures       int64
}

// SessionCounts are the totals stored when a session commits.
type SessionCounts struct {
	Files          int64
	Changed        int64
	Increments     int64
	IncrementBytes int64
	Failures       int64
}

// Failure is a path that could not be processed during a session.
type Failure struct {
	Path  string
	Error string
}

// OpenJournal opens (or creates) the journal at path. When readOnly is set
// and the file does not exist, it returns (nil, nil); a nil *Journal
// accepts every call and records nothing.
func OpenJournal(path string, readOnly bool) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if readOnly {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		dsn = "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db, path: path, done: make(chan struct{})}

	if !readOnly {
		if err := j.init(); err != nil {
			db.Close()
			return nil, err
		}
	}

	go j.flushLoop()
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			time            INTEGER PRIMARY KEY,
			state           TEXT NOT NULL,
			source          TEXT NOT NULL DEFAULT '',
			started         INTEGER NOT NULL,
			finished        INTEGER NOT NULL DEFAULT 0,
			files           INTEGER NOT NULL DEFAULT 0,
			changed         INTEGER NOT NULL DEFAULT 0,
			increments      INTEGER NOT NULL DEFAULT 0,
			increment_bytes INTEGER NOT NULL DEFAULT 0,
			failures        INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS failures (
			time  INTEGER NOT NULL,
			path  TEXT NOT NULL,
			error TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS failures_time ON failures (time);
	`)
	if err != nil {
		return fmt.Errorf("create journal tables: %w", err)
	}
	return nil
}

// Begin records that a session at t has started.
func (j *Journal) Begin(t int64, source string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO sessions (time, state, source, started) VALUES (?, ?, ?, ?)`,
		t, StateRunning, source, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	return nil
}

// RecordFailure logs a per-path failure. Writes are batched and flushed
// periodically.
func (j *Journal) RecordFailure(t int64, path, msg string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.batch = append(j.batch, failureEntry{time: t, path: path, msg: msg})
	if len(j.batch) >= 100 {
		return j.flushLocked()
	}
	return nil
}

// Commit marks the session at t committed with the given totals.
func (j *Journal) Commit(t int64, c SessionCounts) error {
	if j == nil {
		return nil
	}
	if err := j.Flush(); err != nil {
		return err
	}
	_, err := j.db.Exec(`
		UPDATE sessions
		SET state = ?, finished = ?, files = ?, changed = ?, increments = ?,
		    increment_bytes = ?, failures = ?
		WHERE time = ?`,
		StateCommitted, time.Now().Unix(), c.Files, c.Changed, c.Increments,
		c.IncrementBytes, c.Failures, t,
	)
	if err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

// MarkRegressed records that the session at t was rolled back.
func (j *Journal) MarkRegressed(t int64) error {
	if j == nil {
		return nil
	}
	if err := j.Flush(); err != nil {
		return err
	}
	_, err := j.db.Exec(`UPDATE sessions SET state = ?, finished = ? WHERE time = ?`,
		StateRegressed, time.Now().Unix(), t)
	if err != nil {
		return fmt.Errorf("journal regress: %w", err)
	}
	return nil
}

// Sessions lists every recorded session, oldest first.
func (j *Journal) Sessions() ([]SessionInfo, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(`
		SELECT time, state, source, started, finished, files, changed,
		       increments, increment_bytes, failures
		FROM sessions ORDER BY time`)
	if err != nil {
		return nil, fmt.Errorf("journal sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			s                 SessionInfo
			started, finished int64
		)
		if err := rows.Scan(&s.Time, &s.State, &s.Source, &started, &finished, &s.Files,
			&s.Changed, &s.Increments, &s.IncrementBytes, &s.Failures); err != nil {
			return nil, fmt.Errorf("journal sessions: %w", err)
		}
		s.Started = time.Unix(started, 0)
		if finished > 0 {
			s.Finished = time.Unix(finished, 0)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Failures lists the failures recorded for the session at t.
func (j *Journal) Failures(t int64) ([]Failure, error) {
	if j == nil {
		return nil, nil
	}
	if err := j.Flush(); err != nil {
		return nil, err
	}
	rows, err := j.db.Query(`SELECT path, error FROM failures WHERE time = ? ORDER BY path`, t)
	if err != nil {
		return nil, fmt.Errorf("journal failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Path, &f.Error); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Flush writes any pending failure entries.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.batch) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO failures (time, path, error) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range j.batch {
		if _, err := stmt.Exec(e.time, e.path, e.msg); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert failure %s: %w", e.path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	j.batch = j.batch[:0]
	return nil
}

func (j *Journal) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.mu.Lock()
			_ = j.flushLocked()
			j.mu.Unlock()
		}
	}
}

// Close flushes pending writes and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if !j.stopped {
		j.stopped = true
		close(j.done)
	}
	_ = j.flushLocked()
	j.mu.Unlock()
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}
