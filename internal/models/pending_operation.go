// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind represents the mutation type of a queued operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// PendingOperation is a queued mutation awaiting delivery to the backend.
// Payload is an opaque snapshot of the entity at enqueue time; the queue
// never re-reads the live entity while draining.
type PendingOperation struct {
	OperationID UUID            `json:"operation_id"`
	EntityID    UUID            `json:"entity_id"`
	Kind        OperationKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	QueuedAt    time.Time       `json:"queued_at"`
}
