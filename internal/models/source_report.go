// Package models provides data model definitions for the sync core.
package models

import "time"

// ReportStatus represents the lifecycle status of a source report.
type ReportStatus string

const (
	ReportStatusOpen    ReportStatus = "open"
	ReportStatusTreated ReportStatus = "treated"
	ReportStatusClosed  ReportStatus = "closed"
)

// SourceReport is a locally authored field record. The ID is a client
// generated UUID and becomes the stable server id once the create is
// accepted. Until Synced is true the report is owned exclusively by the
// operation queue; after that, authoritative pulls may supersede it.
type SourceReport struct {
	ID        UUID         `json:"id"`
	TenantID  UUID         `json:"tenant_id"`
	Type      string       `json:"type"`
	Status    ReportStatus `json:"status"`
	Note      string       `json:"note,omitempty"`
	Geometry  Geometry     `json:"geometry"`
	Synced    bool         `json:"synced"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Touch updates the UpdatedAt timestamp.
func (r *SourceReport) Touch(now time.Time) {
	r.UpdatedAt = now.UTC()
}

// Clone returns a deep copy of the report.
func (r *SourceReport) Clone() SourceReport {
	out := *r
	out.Geometry = r.Geometry.Clone()
	return out
}
