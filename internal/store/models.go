// Package store persists requester authorization state and request history
// in the agent's local sqlite database.
package store

import "time"

// AllowlistEntry is one requester identity permitted to use the service.
type AllowlistEntry struct {
	Identity  string    `json:"identity"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	AccessStatusPending = "pending"
	AccessStatusIgnored = "ignored"
)

// AccessRequest is a pending request from an unauthorized requester.
type AccessRequest struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Note      string    `json:"note,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestRecord is the persisted view of one media request's lifecycle.
type RequestRecord struct {
	ID          string    `json:"id"`
	Requester   string    `json:"requester"`
	Kind        string    `json:"kind,omitempty"`
	State       string    `json:"state"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
