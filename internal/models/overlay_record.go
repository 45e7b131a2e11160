// Package models provides data model definitions for the sync core.
package models

import "time"

// Prediction is a short-lived locally observed value for a feature,
// displayed ahead of server confirmation.
type Prediction struct {
	Value       string    `json:"value"`
	PredictedAt time.Time `json:"predicted_at"`
	Confirmed   bool      `json:"confirmed"`
}

// OverlayRecord merges the authoritative server-computed state of one map
// feature with an optional local prediction.
type OverlayRecord struct {
	FeatureID          string      `json:"feature_id"`
	AuthoritativeState string      `json:"authoritative_state,omitempty"`
	AuthoritativeAt    time.Time   `json:"authoritative_at,omitempty"`
	Prediction         *Prediction `json:"prediction,omitempty"`
}
