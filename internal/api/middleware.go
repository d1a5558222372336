package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ktbr/veil/internal/logging"
	"github.com/ktbr/veil/internal/store"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	IdentityKey  contextKey = "identity"
	OwnerKey     contextKey = "owner"
)

// IdentityMiddleware extracts the bearer token and records it as the
// caller's identity. Tokens are opaque per-requester secrets; the owner
// token marks the caller as owner.
func IdentityMiddleware(ownerToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, http.StatusUnauthorized, "missing authorization header", "UNAUTHORIZED")
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "invalid authorization format", "UNAUTHORIZED")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "empty token", "UNAUTHORIZED")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, token)
			if ownerToken != "" && token == ownerToken {
				ctx = context.WithValue(ctx, OwnerKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowlistMiddleware gates access on the stored allowlist. The owner is
// always allowed. Unknown identities get a 403 pointing at the
// access-request endpoint.
func AllowlistMiddleware(repo store.Repository, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsOwner(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			identity := Identity(r.Context())
			allowed, err := repo.IsAllowed(r.Context(), identity)
			if err != nil {
				logger.Error("allowlist lookup failed", "error", err)
				WriteError(w, http.StatusInternalServerError, "authorization check failed", "INTERNAL_ERROR")
				return
			}
			if !allowed {
				logger.Warn("rejected unknown identity", "identity", logging.SanitizeToken(identity))
				WriteError(w, http.StatusForbidden,
					"not on the allowlist; submit an access request via POST /v1/access-requests",
					"FORBIDDEN")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OwnerMiddleware restricts a subtree to the owner token.
func OwnerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsOwner(r.Context()) {
				WriteError(w, http.StatusForbidden, "owner token required", "FORBIDDEN")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			requestID, _ := r.Context().Value(RequestIDKey).(string)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID,
			)
		})
	}
}

func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(RequestIDKey).(string)
					logger.Error("panic recovered", "error", err, "request_id", requestID)
					WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()[:8]
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identity returns the caller identity placed by IdentityMiddleware.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(IdentityKey).(string)
	return id
}

// IsOwner reports whether the caller presented the owner token.
func IsOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(OwnerKey).(bool)
	return owner
}

// RequesterID derives the key under which a requester's history is
// stored and ownership is checked. An HMAC over the token keeps raw
// tokens out of the database and cannot collide for distinct tokens
// the way a display-shortened form can; SanitizeToken stays log-only.
func RequesterID(secret []byte, token string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func WriteError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
