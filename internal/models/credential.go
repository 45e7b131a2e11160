// Package models provides data model definitions for the sync core.
package models

import "time"

// Credential holds the session tokens and tenant binding for a signed-in
// technician. AccessToken and RefreshToken are never exposed in JSON
// responses; they persist only in the app-private session document.
// Mutation is single-writer: only the credential lifecycle manager's
// refresh routine writes to an existing credential.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       UUID      `json:"user_id"`
	TenantID     UUID      `json:"tenant_id"`
	TenantName   string    `json:"tenant_name,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`

	// ConsecutiveRefreshFailures counts confirmed rejections only.
	// Transient transport errors never increment it.
	ConsecutiveRefreshFailures int `json:"consecutive_refresh_failures"`
}

// HasTenant reports whether the credential carries a tenant binding.
// A session without a tenant is never valid.
func (c *Credential) HasTenant() bool {
	return c.TenantID != ""
}
