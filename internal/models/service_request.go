// Package models provides data model definitions for the sync core.
package models

import "time"

// RequestStatus represents the workflow status of a management-issued
// service request.
type RequestStatus string

const (
	RequestStatusAssigned   RequestStatus = "assigned"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusResolved   RequestStatus = "resolved"
)

// ServiceRequest is a management-issued work item pulled read-only from
// the backend. Technicians act on requests in the field; the resulting
// mutations flow through the operation queue as source reports or
// treatment predictions, never as direct edits to the request itself.
type ServiceRequest struct {
	ID        UUID          `json:"id"`
	TenantID  UUID          `json:"tenant_id"`
	Status    RequestStatus `json:"status"`
	Address   string        `json:"address,omitempty"`
	Details   string        `json:"details,omitempty"`
	Location  *LatLng       `json:"location,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
