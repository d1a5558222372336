package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ktbr/veil/internal/media"
	"github.com/ktbr/veil/internal/pipeline"
	"github.com/ktbr/veil/internal/store"
)

const (
	ownerToken = "owner-secret"
	aliceToken = "alice-token-123"
)

var testIdentitySecret = []byte("test-identity-secret")

func testRouter(t *testing.T) (*chi.Mux, *stubRepo, *stubService) {
	t.Helper()
	repo := newStubRepo()
	repo.allowed[aliceToken] = true

	svc := &stubService{outputDir: t.TempDir(), cancelOK: true}
	svc.result = pipeline.Result{Kind: media.KindImage, Frames: 1, Faces: 2}

	router := NewRouter(ServerConfig{
		OwnerToken:     ownerToken,
		IdentitySecret: testIdentitySecret,
		Repository:     repo,
		Service:        svc,
		Logger:         discardLogger(),
		SpoolDir:       t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Cooldown:       30 * time.Second,
		StartTime:      time.Now(),
		Version:        "test",
	})
	return router, repo, svc
}

func doRequest(router http.Handler, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestHealthNoAuth(t *testing.T) {
	router, _, _ := testRouter(t)
	rec := doRequest(router, "GET", "/health", "", nil, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	router, _, _ := testRouter(t)

	if rec := doRequest(router, "GET", "/status", "", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
	if rec := doRequest(router, "GET", "/status", "unknown-token-x", nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("unlisted status = %d, want 403", rec.Code)
	}

	rec := doRequest(router, "GET", "/status", aliceToken, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "idle" {
		t.Errorf("state = %q, want idle", resp.State)
	}
}

func TestAnonymizeHappyPath(t *testing.T) {
	router, repo, svc := testRouter(t)
	body, contentType := multipartUpload(t, "media", "photo.jpg", []byte("fake image bytes"))

	rec := doRequest(router, "POST", "/v1/anonymize", aliceToken, body, contentType)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if got := rec.Header().Get("X-Faces-Found"); got != "2" {
		t.Errorf("X-Faces-Found = %q, want 2", got)
	}
	if got := rec.Header().Get("X-Media-Kind"); got != "image" {
		t.Errorf("X-Media-Kind = %q, want image", got)
	}
	if rec.Body.String() != "processed" {
		t.Errorf("body = %q, want processed output", rec.Body.String())
	}

	if len(svc.processed) != 1 {
		t.Fatalf("service saw %d requests, want 1", len(svc.processed))
	}
	req := svc.processed[0]
	if req.Filename != "photo.jpg" {
		t.Errorf("filename = %q", req.Filename)
	}
	if req.Requester != RequesterID(testIdentitySecret, aliceToken) {
		t.Errorf("requester = %q, raw tokens must not reach the pipeline", req.Requester)
	}

	// the output is deleted after delivery
	if _, err := os.Stat(req.SrcPath); !os.IsNotExist(err) {
		t.Error("spooled upload not cleaned up")
	}

	// a cooldown window is now in effect
	if _, ok := repo.cooldowns[aliceToken]; !ok {
		t.Error("cooldown was not set after processing")
	}
}

func TestAnonymizeCooldown(t *testing.T) {
	router, repo, svc := testRouter(t)
	repo.cooldowns[aliceToken] = time.Now().Add(20 * time.Second)

	body, contentType := multipartUpload(t, "media", "photo.jpg", []byte("x"))
	rec := doRequest(router, "POST", "/v1/anonymize", aliceToken, body, contentType)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if len(svc.processed) != 0 {
		t.Error("request reached the pipeline despite cooldown")
	}
}

func TestAnonymizeMissingField(t *testing.T) {
	router, _, _ := testRouter(t)
	body, contentType := multipartUpload(t, "wrong_field", "photo.jpg", []byte("x"))

	rec := doRequest(router, "POST", "/v1/anonymize", aliceToken, body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnonymizeFailureMapping(t *testing.T) {
	tests := []struct {
		kind       pipeline.FailureKind
		wantStatus int
	}{
		{kind: pipeline.FailureUnsupportedMedia, wantStatus: http.StatusUnsupportedMediaType},
		{kind: pipeline.FailureLimitExceeded, wantStatus: http.StatusRequestEntityTooLarge},
		{kind: pipeline.FailureTimeout, wantStatus: http.StatusGatewayTimeout},
		{kind: pipeline.FailureDetectorUnavailable, wantStatus: http.StatusServiceUnavailable},
		{kind: pipeline.FailureInternal, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			router, _, svc := testRouter(t)
			svc.err = &pipeline.Error{Kind: tt.kind, Err: errors.New("boom")}

			body, contentType := multipartUpload(t, "media", "f.bin", []byte("x"))
			rec := doRequest(router, "POST", "/v1/anonymize", aliceToken, body, contentType)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != string(tt.kind) {
				t.Errorf("code = %q, want %q", resp.Code, tt.kind)
			}
			if strings.Contains(resp.Error, "boom") {
				t.Error("inner error detail leaked to the requester")
			}
		})
	}
}

func TestCancelRequest(t *testing.T) {
	router, repo, svc := testRouter(t)

	if rec := doRequest(router, "POST", "/v1/requests/nope/cancel", aliceToken, nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown request status = %d, want 404", rec.Code)
	}

	repo.requests["req-1"] = &store.RequestRecord{
		ID: "req-1", Requester: RequesterID(testIdentitySecret, aliceToken), State: "processing",
	}
	repo.requests["req-2"] = &store.RequestRecord{
		ID: "req-2", Requester: "someone-else", State: "processing",
	}

	rec := doRequest(router, "POST", "/v1/requests/req-1/cancel", aliceToken, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(svc.canceled) != 1 || svc.canceled[0] != "req-1" {
		t.Errorf("canceled = %v, want [req-1]", svc.canceled)
	}

	if rec := doRequest(router, "POST", "/v1/requests/req-2/cancel", aliceToken, nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("foreign request status = %d, want 403", rec.Code)
	}

	// the owner can cancel anyone's request
	if rec := doRequest(router, "POST", "/v1/requests/req-2/cancel", ownerToken, nil, ""); rec.Code != http.StatusOK {
		t.Errorf("owner cancel status = %d, want 200", rec.Code)
	}
}

func TestListRequestsScopedToRequester(t *testing.T) {
	router, repo, _ := testRouter(t)
	repo.requests["mine"] = &store.RequestRecord{ID: "mine", Requester: RequesterID(testIdentitySecret, aliceToken), State: "done"}
	repo.requests["theirs"] = &store.RequestRecord{ID: "theirs", Requester: "someone-else", State: "done"}

	rec := doRequest(router, "GET", "/v1/requests", aliceToken, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	var resp RequestsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Requests) != 1 || resp.Requests[0].ID != "mine" {
		t.Errorf("requests = %+v, want only own history", resp.Requests)
	}

	if rec := doRequest(router, "GET", "/v1/requests/theirs", aliceToken, nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign request detail status = %d, want 404", rec.Code)
	}

	rec = doRequest(router, "GET", "/v1/requests", ownerToken, nil, "")
	resp = RequestsResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Requests) != 2 {
		t.Errorf("owner sees %d requests, want 2", len(resp.Requests))
	}
}

func TestAccessRequestFlow(t *testing.T) {
	router, repo, _ := testRouter(t)

	// an unlisted requester may ask for access
	body := bytes.NewBufferString(`{"note":"let me in"}`)
	rec := doRequest(router, "POST", "/v1/access-requests", "mallory-token-1", body, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	stored := repo.accessRequests["mallory-token-1"]
	if stored == nil || stored.Note != "let me in" || stored.Status != store.AccessStatusPending {
		t.Fatalf("stored access request = %+v", stored)
	}

	// an already-listed requester gets a conflict
	if rec := doRequest(router, "POST", "/v1/access-requests", aliceToken, nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("listed requester status = %d, want 409", rec.Code)
	}

	// only the owner may review
	if rec := doRequest(router, "GET", "/v1/access-requests", aliceToken, nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("non-owner review status = %d, want 403", rec.Code)
	}
	rec = doRequest(router, "GET", "/v1/access-requests", ownerToken, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner review status = %d", rec.Code)
	}
	var list AccessRequestsResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.AccessRequests) != 1 {
		t.Fatalf("access requests = %d, want 1", len(list.AccessRequests))
	}

	// approving moves the identity onto the allowlist
	id := list.AccessRequests[0].ID
	if rec := doRequest(router, "POST", "/v1/access-requests/"+id+"/approve", ownerToken, nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("approve status = %d, want 204", rec.Code)
	}
	if !repo.allowed["mallory-token-1"] {
		t.Error("approved identity not on allowlist")
	}
	if rec := doRequest(router, "GET", "/status", "mallory-token-1", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("approved requester status = %d, want 200", rec.Code)
	}
}

func TestOwnershipDistinctForLookalikeTokens(t *testing.T) {
	tests := []struct {
		name           string
		tokenA, tokenB string
	}{
		{
			name:   "long tokens sharing first and last characters",
			tokenA: "alice-secret-token-wxyz",
			tokenB: "alicZZZZZZZZZZZZZZ-wxyz",
		},
		{
			name:   "short tokens",
			tokenA: "alice-xy",
			tokenB: "mallory1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, repo, _ := testRouter(t)
			repo.allowed[tt.tokenA] = true
			repo.allowed[tt.tokenB] = true
			repo.requests["req-a"] = &store.RequestRecord{
				ID: "req-a", Requester: RequesterID(testIdentitySecret, tt.tokenA), State: "processing",
			}

			if rec := doRequest(router, "GET", "/v1/requests/req-a", tt.tokenB, nil, ""); rec.Code != http.StatusNotFound {
				t.Errorf("lookalike token reads request: status = %d, want 404", rec.Code)
			}
			if rec := doRequest(router, "POST", "/v1/requests/req-a/cancel", tt.tokenB, nil, ""); rec.Code != http.StatusForbidden {
				t.Errorf("lookalike token cancels request: status = %d, want 403", rec.Code)
			}
			if rec := doRequest(router, "GET", "/v1/requests/req-a", tt.tokenA, nil, ""); rec.Code != http.StatusOK {
				t.Errorf("owning token status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestStatusSurvivesStoreFailure(t *testing.T) {
	repo := newStubRepo()
	repo.allowed[aliceToken] = true
	repo.statusErr = errors.New("db gone")

	var logBuf bytes.Buffer
	router := NewRouter(ServerConfig{
		OwnerToken:     ownerToken,
		IdentitySecret: testIdentitySecret,
		Repository:     repo,
		Service:        &stubService{},
		Logger:         slog.New(slog.NewTextHandler(&logBuf, nil)),
		StartTime:      time.Now(),
	})

	rec := doRequest(router, "GET", "/status", aliceToken, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.DoneRequests != 0 || resp.AllowlistSize != 0 {
		t.Errorf("counts = %+v, want zeros when the store fails", resp)
	}
	if !strings.Contains(logBuf.String(), "status lookup failed") {
		t.Error("store failures were not logged")
	}
}

func TestAllowlistAdmin(t *testing.T) {
	router, repo, _ := testRouter(t)

	if rec := doRequest(router, "GET", "/v1/allowlist", aliceToken, nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("non-owner list status = %d, want 403", rec.Code)
	}

	body := bytes.NewBufferString(`{"identity":"bob-token-9"}`)
	if rec := doRequest(router, "POST", "/v1/allowlist", ownerToken, body, "application/json"); rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", rec.Code)
	}
	if !repo.allowed["bob-token-9"] {
		t.Error("identity not added")
	}

	if rec := doRequest(router, "DELETE", "/v1/allowlist/bob-token-9", ownerToken, nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d, want 204", rec.Code)
	}
	if repo.allowed["bob-token-9"] {
		t.Error("identity not removed")
	}
}
