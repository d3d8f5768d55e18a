// Package joblog keeps a SQLite ledger of job lifecycle events: runs started
// and failed, results stored, deleted and expired.
//
// The ledger is observability only. Record never fails the caller; write
// errors are logged and dropped.
package joblog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/wooscrape/dbopen"
	"github.com/hazyhaar/wooscrape/idgen"
)

// Schema is the ledger schema.
const Schema = `
CREATE TABLE IF NOT EXISTS job_events (
    event_id   TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    action     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_time ON job_events(created_at);
`

// Actions recorded by the job runner. Storage actions come from resultstore.
const (
	ActionRunStarted = "run_started"
	ActionRunFailed  = "run_failed"
)

// JobEvent is one ledger row. CreatedAt is Unix milliseconds.
type JobEvent struct {
	EventID   string `json:"eventId"`
	JobID     string `json:"jobId"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Ledger writes and reads job events.
type Ledger struct {
	db     *sql.DB
	owned  bool
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the event id generator. Default: "evt_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// Open opens (or creates) the ledger database at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("joblog: %w", err)
	}
	l := newLedger(db, opts)
	l.owned = true
	return l, nil
}

// New wraps an already-open database and applies the schema.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("joblog: apply schema: %w", err)
	}
	return newLedger(db, opts), nil
}

func newLedger(db *sql.DB, opts []Option) *Ledger {
	l := &Ledger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record inserts ev, filling EventID and CreatedAt when empty.
func (l *Ledger) Record(ctx context.Context, ev *JobEvent) {
	if ev.EventID == "" {
		ev.EventID = l.newID()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = l.now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, l.db,
		`INSERT INTO job_events (event_id, job_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.JobID, ev.Action, ev.Details, ev.CreatedAt)
	if err != nil {
		l.logger.Warn("joblog: record", "job_id", ev.JobID, "action", ev.Action, "error", err)
	}
}

// JobEvent records one event. It lets the ledger serve as a
// resultstore.EventSink.
func (l *Ledger) JobEvent(ctx context.Context, jobID, action, details string) {
	l.Record(ctx, &JobEvent{JobID: jobID, Action: action, Details: details})
}

// History returns the events of jobID, oldest first.
func (l *Ledger) History(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, job_id, action, details, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("joblog: history: %w", err)
	}
	defer rows.Close()

	var result []*JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.EventID, &e.JobID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("joblog: scan event: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// Prune deletes events older than olderThan and returns how many went.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().Add(-olderThan).UnixMilli()
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM job_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("joblog: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database when the ledger opened it.
func (l *Ledger) Close() error {
	if l.owned {
		return l.db.Close()
	}
	return nil
}
