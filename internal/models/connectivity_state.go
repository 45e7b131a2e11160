// Package models provides data model definitions for the sync core.
package models

import "time"

// APState is the access-point association state machine position.
type APState string

const (
	APUnknown               APState = "unknown"
	APAssociatedUnconfirmed APState = "associated_unconfirmed"
	APConfirmedIsolated     APState = "confirmed_isolated"
	APConfirmedInternet     APState = "confirmed_internet"
)

// ConnectivityState is one atomic snapshot of the device's network
// situation. It is always replaced as a whole tuple, never field by field.
type ConnectivityState struct {
	HasAnyPath         bool      `json:"has_any_path"`
	HasInternetPath    bool      `json:"has_internet_path"`
	IsOnIsolatedAP     bool      `json:"is_on_isolated_ap"`
	APState            APState   `json:"ap_state"`
	LastTransitionTime time.Time `json:"last_transition_time"`
}
