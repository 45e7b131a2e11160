// Package journal keeps a local history of sync activity in SQLite.
//
// The journal is observability, not state: the durable queue and the
// JSON collection documents remain the source of truth, and the journal
// is never replayed. It powers the status surface the UI reads: last
// successful sync, failure streaks, per-operation history.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_journal (
	id           TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL DEFAULT '',
	entity_id    TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	http_status  INTEGER NOT NULL DEFAULT 0,
	detail       TEXT NOT NULL DEFAULT '',
	recorded_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_journal_recorded_at ON sync_journal(recorded_at);
CREATE INDEX IF NOT EXISTS idx_sync_journal_kind ON sync_journal(kind);
`

// Journal wraps the sqlite-backed sync history.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the journal database inside the data
// directory. SQLite is opened single-writer with WAL mode, matching the
// one-process ownership of the app-private directory.
func Open(dataDir, file string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, file)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: applying schema: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// SetClock replaces the journal's clock. Test hook.
func (j *Journal) SetClock(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one entry. The id and timestamp are filled in here.
func (j *Journal) Record(entry models.JournalEntry) error {
	entry.ID = models.UUID(uuid.New())
	entry.RecordedAt = j.now().Unix()

	_, err := j.db.Exec(
		`INSERT INTO sync_journal
			(id, operation_id, entity_id, kind, outcome, http_status, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OperationID, entry.EntityID, entry.Kind,
		entry.Outcome, entry.HTTPStatus, entry.Detail, entry.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: recording entry: %w", err)
	}
	return nil
}

// RecordOperation logs the outcome of one drained operation.
func (j *Journal) RecordOperation(op models.PendingOperation, outcome string, httpStatus int, detail string) error {
	return j.Record(models.JournalEntry{
		OperationID: op.OperationID,
		EntityID:    op.EntityID,
		Kind:        string(op.Kind),
		Outcome:     outcome,
		HTTPStatus:  httpStatus,
		Detail:      detail,
	})
}

// RecordRun logs a drain or poll cycle summary.
func (j *Journal) RecordRun(kind, outcome, detail string) error {
	return j.Record(models.JournalEntry{
		Kind:    kind,
		Outcome: outcome,
		Detail:  detail,
	})
}

// LastSuccess returns the time of the most recent successful entry of
// the given kind, or the zero time when none exists.
func (j *Journal) LastSuccess(kind string) (time.Time, error) {
	var ts sql.NullInt64
	err := j.db.QueryRow(
		`SELECT MAX(recorded_at) FROM sync_journal WHERE kind = ? AND outcome = 'success'`,
		kind,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("journal: querying last success: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

// FailureStreak returns how many consecutive non-success entries of the
// given kind have been recorded since the last success.
func (j *Journal) FailureStreak(kind string) (int, error) {
	rows, err := j.db.Query(
		`SELECT outcome FROM sync_journal WHERE kind = ? ORDER BY recorded_at DESC, rowid DESC LIMIT 100`,
		kind,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: querying failure streak: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, fmt.Errorf("journal: scanning outcome: %w", err)
		}
		if outcome == "success" {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// Recent returns the newest entries, most recent first.
func (j *Journal) Recent(limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, operation_id, entity_id, kind, outcome, http_status, detail, recorded_at
		 FROM sync_journal ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying recent entries: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.OperationID, &e.EntityID, &e.Kind,
			&e.Outcome, &e.HTTPStatus, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal: scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the cutoff.
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	cutoff := j.now().Add(-olderThan).Unix()
	res, err := j.db.Exec(`DELETE FROM sync_journal WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: pruning entries: %w", err)
	}
	return res.RowsAffected()
}
