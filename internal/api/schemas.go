package api

import (
	"time"

	"github.com/ktbr/veil/internal/store"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State          string `json:"state"`
	ActiveRequests int    `json:"active_requests"`
	DoneRequests   int    `json:"done_requests"`
	FailedRequests int    `json:"failed_requests"`
	AllowlistSize  int    `json:"allowlist_size"`
	PendingAccess  int    `json:"pending_access_requests"`
}

type RequestResponse struct {
	ID          string `json:"id"`
	Requester   string `json:"requester,omitempty"`
	Kind        string `json:"kind,omitempty"`
	State       string `json:"state"`
	FailureKind string `json:"failure_kind,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type RequestsResponse struct {
	Requests []RequestResponse `json:"requests"`
}

type CancelResponse struct {
	ID       string `json:"id"`
	Canceled bool   `json:"canceled"`
}

type AccessRequestBody struct {
	Note string `json:"note,omitempty"`
}

type AccessRequestResponse struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Note      string `json:"note,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type AccessRequestsResponse struct {
	AccessRequests []AccessRequestResponse `json:"access_requests"`
}

type AllowlistEntryResponse struct {
	Identity  string `json:"identity"`
	AddedBy   string `json:"added_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

type AllowlistResponse struct {
	Allowlist []AllowlistEntryResponse `json:"allowlist"`
}

type AddAllowlistRequest struct {
	Identity string `json:"identity"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after_s,omitempty"`
}

func RequestToResponse(rec *store.RequestRecord) RequestResponse {
	return RequestResponse{
		ID:          rec.ID,
		Requester:   rec.Requester,
		Kind:        rec.Kind,
		State:       rec.State,
		FailureKind: rec.FailureKind,
		Detail:      rec.Detail,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   rec.UpdatedAt.Format(time.RFC3339),
	}
}

func AccessRequestToResponse(a *store.AccessRequest) AccessRequestResponse {
	return AccessRequestResponse{
		ID:        a.ID,
		Identity:  a.Identity,
		Note:      a.Note,
		Status:    a.Status,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
		UpdatedAt: a.UpdatedAt.Format(time.RFC3339),
	}
}

func AllowlistEntryToResponse(e *store.AllowlistEntry) AllowlistEntryResponse {
	return AllowlistEntryResponse{
		Identity:  e.Identity,
		AddedBy:   e.AddedBy,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}
