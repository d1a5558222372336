package api

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ktbr/veil/internal/pipeline"
	"github.com/ktbr/veil/internal/store"
)

// stubRepo is an in-memory store.Repository for handler tests.
type stubRepo struct {
	allowed      map[string]bool
	isAllowedErr error
	statusErr    error

	accessRequests map[string]*store.AccessRequest // by identity
	requests       map[string]*store.RequestRecord
	cooldowns      map[string]time.Time
	config         map[string]string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		allowed:        map[string]bool{},
		accessRequests: map[string]*store.AccessRequest{},
		requests:       map[string]*store.RequestRecord{},
		cooldowns:      map[string]time.Time{},
		config:         map[string]string{},
	}
}

func (s *stubRepo) IsAllowed(ctx context.Context, identity string) (bool, error) {
	if s.isAllowedErr != nil {
		return false, s.isAllowedErr
	}
	return s.allowed[identity], nil
}

func (s *stubRepo) AddToAllowlist(ctx context.Context, identity, addedBy string) error {
	s.allowed[identity] = true
	return nil
}

func (s *stubRepo) RemoveFromAllowlist(ctx context.Context, identity string) error {
	delete(s.allowed, identity)
	return nil
}

func (s *stubRepo) ListAllowlist(ctx context.Context) ([]*store.AllowlistEntry, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	var entries []*store.AllowlistEntry
	for identity := range s.allowed {
		entries = append(entries, &store.AllowlistEntry{Identity: identity})
	}
	return entries, nil
}

func (s *stubRepo) CreateAccessRequest(ctx context.Context, req *store.AccessRequest) error {
	s.accessRequests[req.Identity] = req
	return nil
}

func (s *stubRepo) GetAccessRequestByIdentity(ctx context.Context, identity string) (*store.AccessRequest, error) {
	return s.accessRequests[identity], nil
}

func (s *stubRepo) ListAccessRequests(ctx context.Context, status string) ([]*store.AccessRequest, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	var reqs []*store.AccessRequest
	for _, a := range s.accessRequests {
		if status == "" || a.Status == status {
			reqs = append(reqs, a)
		}
	}
	return reqs, nil
}

func (s *stubRepo) UpdateAccessRequestStatus(ctx context.Context, id, status string) error {
	for _, a := range s.accessRequests {
		if a.ID == id {
			a.Status = status
		}
	}
	return nil
}

func (s *stubRepo) DeleteAccessRequest(ctx context.Context, id string) error {
	for identity, a := range s.accessRequests {
		if a.ID == id {
			delete(s.accessRequests, identity)
		}
	}
	return nil
}

func (s *stubRepo) CreateRequest(ctx context.Context, rec *store.RequestRecord) error {
	s.requests[rec.ID] = rec
	return nil
}

func (s *stubRepo) GetRequest(ctx context.Context, id string) (*store.RequestRecord, error) {
	return s.requests[id], nil
}

func (s *stubRepo) ListRequests(ctx context.Context, requester string, limit int) ([]*store.RequestRecord, error) {
	var recs []*store.RequestRecord
	for _, r := range s.requests {
		if requester == "" || r.Requester == requester {
			recs = append(recs, r)
		}
	}
	return recs, nil
}

func (s *stubRepo) UpdateRequestKind(ctx context.Context, id, kind string) error {
	if r := s.requests[id]; r != nil {
		r.Kind = kind
	}
	return nil
}

func (s *stubRepo) UpdateRequestState(ctx context.Context, id, state, failureKind, detail string) error {
	if r := s.requests[id]; r != nil {
		r.State = state
		r.FailureKind = failureKind
		r.Detail = detail
	}
	return nil
}

func (s *stubRepo) CountRequestsInState(ctx context.Context, state string) (int, error) {
	if s.statusErr != nil {
		return 0, s.statusErr
	}
	count := 0
	for _, r := range s.requests {
		if r.State == state {
			count++
		}
	}
	return count, nil
}

func (s *stubRepo) SetCooldown(ctx context.Context, identity string, until time.Time) error {
	s.cooldowns[identity] = until
	return nil
}

func (s *stubRepo) CooldownRemaining(ctx context.Context, identity string, now time.Time) (time.Duration, error) {
	until, ok := s.cooldowns[identity]
	if !ok || !until.After(now) {
		return 0, nil
	}
	return until.Sub(now), nil
}

func (s *stubRepo) GetConfig(ctx context.Context, key string) (string, error) {
	return s.config[key], nil
}

func (s *stubRepo) SetConfig(ctx context.Context, key, value string) error {
	s.config[key] = value
	return nil
}

// stubService is a canned Anonymizer.
type stubService struct {
	outputDir string
	result    pipeline.Result
	err       error

	processed []pipeline.Request
	cancelOK  bool
	canceled  []string
	active    int
}

func (s *stubService) Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.processed = append(s.processed, req)
	if s.err != nil {
		return nil, s.err
	}
	result := s.result
	if result.OutputPath == "" {
		path := filepath.Join(s.outputDir, req.ID+".jpg")
		if err := os.WriteFile(path, []byte("processed"), 0o600); err != nil {
			return nil, err
		}
		result.OutputPath = path
	}
	return &result, nil
}

func (s *stubService) Cancel(id string) bool {
	s.canceled = append(s.canceled, id)
	return s.cancelOK
}

func (s *stubService) ActiveCount() int {
	return s.active
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
