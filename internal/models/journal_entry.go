// Package models provides data model definitions for the sync core.
package models

import "time"

// JournalEntry records the outcome of one drained operation or one poll
// cycle for the local sync history. Entries are append-only and power the
// observable status surface (last-sync time, failure streaks); they are
// never replayed.
type JournalEntry struct {
	ID          UUID   `db:"id" json:"id"`
	OperationID UUID   `db:"operation_id" json:"operation_id,omitempty"`
	EntityID    UUID   `db:"entity_id" json:"entity_id,omitempty"`
	Kind        string `db:"kind" json:"kind"`
	Outcome     string `db:"outcome" json:"outcome"`
	HTTPStatus  int    `db:"http_status" json:"http_status,omitempty"`
	Detail      string `db:"detail" json:"detail,omitempty"`
	RecordedAt  int64  `db:"recorded_at" json:"recorded_at"`
}

// TableName returns the table name for JournalEntry.
func (JournalEntry) TableName() string {
	return "sync_journal"
}

// Time returns RecordedAt as time.Time.
func (e *JournalEntry) Time() time.Time {
	return time.Unix(e.RecordedAt, 0)
}
