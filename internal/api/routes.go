package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ktbr/veil/internal/logging"
	"github.com/ktbr/veil/internal/pipeline"
	"github.com/ktbr/veil/internal/store"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.OwnerToken))

		// Access requests are the one identified-but-unlisted call.
		r.Post("/v1/access-requests", submitAccessRequestHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(AllowlistMiddleware(cfg.Repository, cfg.Logger))

			r.Post("/v1/anonymize", anonymizeHandler(cfg))
			r.Get("/v1/requests", listRequestsHandler(cfg))
			r.Get("/v1/requests/{id}", getRequestHandler(cfg))
			r.Post("/v1/requests/{id}/cancel", cancelRequestHandler(cfg))
			r.Get("/status", statusHandler(cfg))
		})

		r.Group(func(r chi.Router) {
			r.Use(OwnerMiddleware())

			r.Get("/v1/allowlist", listAllowlistHandler(cfg))
			r.Post("/v1/allowlist", addAllowlistHandler(cfg))
			r.Delete("/v1/allowlist/{identity}", removeAllowlistHandler(cfg))
			r.Get("/v1/access-requests", listAccessRequestsHandler(cfg))
			r.Post("/v1/access-requests/{id}/approve", approveAccessRequestHandler(cfg))
			r.Post("/v1/access-requests/{id}/ignore", ignoreAccessRequestHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		active := cfg.Service.ActiveCount()
		state := "idle"
		if active > 0 {
			state = "processing"
		}

		done, err := cfg.Repository.CountRequestsInState(ctx, pipeline.StateDone)
		if err != nil {
			cfg.Logger.Warn("status lookup failed", "field", "done_requests", "error", err)
		}
		failed, err := cfg.Repository.CountRequestsInState(ctx, pipeline.StateFailed)
		if err != nil {
			cfg.Logger.Warn("status lookup failed", "field", "failed_requests", "error", err)
		}
		allowlist, err := cfg.Repository.ListAllowlist(ctx)
		if err != nil {
			cfg.Logger.Warn("status lookup failed", "field", "allowlist_size", "error", err)
		}
		pending, err := cfg.Repository.ListAccessRequests(ctx, store.AccessStatusPending)
		if err != nil {
			cfg.Logger.Warn("status lookup failed", "field", "pending_access", "error", err)
		}

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:          state,
			ActiveRequests: active,
			DoneRequests:   done,
			FailedRequests: failed,
			AllowlistSize:  len(allowlist),
			PendingAccess:  len(pending),
		})
	}
}

func listRequestsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester := RequesterID(cfg.IdentitySecret, Identity(r.Context()))
		if IsOwner(r.Context()) {
			// The owner sees everyone's history.
			requester = ""
		}
		recs, err := cfg.Repository.ListRequests(r.Context(), requester, 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list requests", "INTERNAL_ERROR")
			return
		}
		resp := RequestsResponse{Requests: make([]RequestResponse, len(recs))}
		for i, rec := range recs {
			resp.Requests[i] = RequestToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRequestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "request id required", "BAD_REQUEST")
			return
		}
		rec, err := cfg.Repository.GetRequest(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "request not found", "NOT_FOUND")
			return
		}
		if !IsOwner(r.Context()) && rec.Requester != RequesterID(cfg.IdentitySecret, Identity(r.Context())) {
			WriteError(w, http.StatusNotFound, "request not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, RequestToResponse(rec))
	}
}

func submitAccessRequestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := Identity(r.Context())

		allowed, err := cfg.Repository.IsAllowed(r.Context(), identity)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "authorization check failed", "INTERNAL_ERROR")
			return
		}
		if allowed || IsOwner(r.Context()) {
			WriteError(w, http.StatusConflict, "already allowed", "ALREADY_ALLOWED")
			return
		}

		var body AccessRequestBody
		if r.Body != nil {
			// The note is optional; an empty body is fine.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		req := &store.AccessRequest{
			ID:       uuid.NewString(),
			Identity: identity,
			Note:     body.Note,
			Status:   store.AccessStatusPending,
		}
		if err := cfg.Repository.CreateAccessRequest(r.Context(), req); err != nil {
			cfg.Logger.Error("create access request failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to record access request", "INTERNAL_ERROR")
			return
		}
		cfg.Logger.Info("access requested", "identity", logging.SanitizeToken(identity))
		WriteJSON(w, http.StatusAccepted, AccessRequestToResponse(req))
	}
}

func listAccessRequestsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		reqs, err := cfg.Repository.ListAccessRequests(r.Context(), status)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list access requests", "INTERNAL_ERROR")
			return
		}
		resp := AccessRequestsResponse{AccessRequests: make([]AccessRequestResponse, len(reqs))}
		for i, a := range reqs {
			resp.AccessRequests[i] = AccessRequestToResponse(a)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func approveAccessRequestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reqs, err := cfg.Repository.ListAccessRequests(r.Context(), "")
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		var target *store.AccessRequest
		for _, a := range reqs {
			if a.ID == id {
				target = a
				break
			}
		}
		if target == nil {
			WriteError(w, http.StatusNotFound, "access request not found", "NOT_FOUND")
			return
		}

		if err := cfg.Repository.AddToAllowlist(r.Context(), target.Identity, "owner"); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update allowlist", "INTERNAL_ERROR")
			return
		}
		if err := cfg.Repository.DeleteAccessRequest(r.Context(), id); err != nil {
			cfg.Logger.Warn("delete access request failed", "id", id, "error", err)
		}
		cfg.Logger.Info("access approved", "identity", logging.SanitizeToken(target.Identity))
		w.WriteHeader(http.StatusNoContent)
	}
}

func ignoreAccessRequestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Repository.UpdateAccessRequestStatus(r.Context(), id, store.AccessStatusIgnored); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update access request", "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listAllowlistHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := cfg.Repository.ListAllowlist(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list allowlist", "INTERNAL_ERROR")
			return
		}
		resp := AllowlistResponse{Allowlist: make([]AllowlistEntryResponse, len(entries))}
		for i, e := range entries {
			resp.Allowlist[i] = AllowlistEntryToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func addAllowlistHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddAllowlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Identity == "" {
			WriteError(w, http.StatusBadRequest, "identity is required", "BAD_REQUEST")
			return
		}
		if err := cfg.Repository.AddToAllowlist(r.Context(), req.Identity, "owner"); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update allowlist", "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func removeAllowlistHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		if identity == "" {
			WriteError(w, http.StatusBadRequest, "identity required", "BAD_REQUEST")
			return
		}
		if err := cfg.Repository.RemoveFromAllowlist(r.Context(), identity); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update allowlist", "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
