// Package analytics persists lifecycle events — launches, reconnects,
// pending waits, stops, and errors — to SQLite for usage reporting. It
// implements core.AnalyticsRecorder; every method is fire-and-forget
// from the state machine's perspective, so failures here are logged,
// never returned.
package analytics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/glebarez/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/hpcide/orchestrator/internal/core"
)

// Event is one row of the events table, exported for callers that want
// to read usage history back out (e.g. a future reporting endpoint).
type Event struct {
	ID        int64
	Kind      string
	User      string
	Cluster   string
	IDE       string
	JobID     string
	ErrorCode string
	Message   string
	At        time.Time
}

// Recorder records state-machine lifecycle events to SQLite. Grounded
// on the same database/sql + glebarez/sqlite pairing as
// internal/userstore, since both are independent tables in the same
// kind of embedded store the corpus uses for local persistence.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string, log *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{db: db, log: log.With("component", "analytics")}
	if err := r.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		username TEXT NOT NULL,
		cluster TEXT NOT NULL,
		ide TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_username ON events(username);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := r.db.ExecContext(context.Background(), schema)
	return err
}

// Close closes the underlying database handle.
func (r *Recorder) Close() error { return r.db.Close() }

var _ core.AnalyticsRecorder = (*Recorder)(nil)

func (r *Recorder) insert(kind string, key core.Key, jobID, errorCode, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (kind, username, cluster, ide, job_id, error_code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, kind, key.User, key.Cluster, string(key.IDE), jobID, errorCode, message)
	if err != nil {
		r.log.Warn("analytics insert failed", "kind", kind, "error", err)
	}
}

func (r *Recorder) RecordLaunch(key core.Key, jobID string)    { r.insert("launch", key, jobID, "", "") }
func (r *Recorder) RecordReconnect(key core.Key, jobID string) { r.insert("reconnect", key, jobID, "", "") }
func (r *Recorder) RecordPending(key core.Key, jobID string)   { r.insert("pending", key, jobID, "", "") }
func (r *Recorder) RecordStop(key core.Key, endReason string)  { r.insert("stop", key, "", "", endReason) }

func (r *Recorder) RecordError(key core.Key, code core.ErrorCode, message string) {
	r.insert("error", key, "", string(code), message)
}

// Fanout combines several AnalyticsRecorders into one, so the state
// machine's single analytics field can drive both the durable SQLite
// recorder and internal/metrics' live counters without either knowing
// about the other.
type Fanout []core.AnalyticsRecorder

var _ core.AnalyticsRecorder = Fanout(nil)

func (f Fanout) RecordLaunch(key core.Key, jobID string) {
	for _, r := range f {
		r.RecordLaunch(key, jobID)
	}
}

func (f Fanout) RecordReconnect(key core.Key, jobID string) {
	for _, r := range f {
		r.RecordReconnect(key, jobID)
	}
}

func (f Fanout) RecordPending(key core.Key, jobID string) {
	for _, r := range f {
		r.RecordPending(key, jobID)
	}
}

func (f Fanout) RecordStop(key core.Key, endReason string) {
	for _, r := range f {
		r.RecordStop(key, endReason)
	}
}

func (f Fanout) RecordError(key core.Key, code core.ErrorCode, message string) {
	for _, r := range f {
		r.RecordError(key, code, message)
	}
}

// CountByUser returns the number of events of the given kind ("" for
// all kinds) recorded for user, a minimal building block for a future
// usage-reporting surface.
func (r *Recorder) CountByUser(ctx context.Context, user, kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE username = ?`, user).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE username = ? AND kind = ?`, user, kind).Scan(&n)
	}
	return n, err
}
