package store

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	// Allow-list. The pipeline core consults IsAllowed through the
	// Authorizer capability only; mutation is an admin concern.
	IsAllowed(ctx context.Context, identity string) (bool, error)
	AddToAllowlist(ctx context.Context, identity, addedBy string) error
	RemoveFromAllowlist(ctx context.Context, identity string) error
	ListAllowlist(ctx context.Context) ([]*AllowlistEntry, error)

	CreateAccessRequest(ctx context.Context, req *AccessRequest) error
	GetAccessRequestByIdentity(ctx context.Context, identity string) (*AccessRequest, error)
	ListAccessRequests(ctx context.Context, status string) ([]*AccessRequest, error)
	UpdateAccessRequestStatus(ctx context.Context, id, status string) error
	DeleteAccessRequest(ctx context.Context, id string) error

	CreateRequest(ctx context.Context, rec *RequestRecord) error
	GetRequest(ctx context.Context, id string) (*RequestRecord, error)
	ListRequests(ctx context.Context, requester string, limit int) ([]*RequestRecord, error)
	UpdateRequestKind(ctx context.Context, id, kind string) error
	UpdateRequestState(ctx context.Context, id, state, failureKind, detail string) error
	CountRequestsInState(ctx context.Context, state string) (int, error)

	SetCooldown(ctx context.Context, identity string, until time.Time) error
	CooldownRemaining(ctx context.Context, identity string, now time.Time) (time.Duration, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) IsAllowed(ctx context.Context, identity string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM allowlist WHERE identity = ?`, identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SQLiteRepository) AddToAllowlist(ctx context.Context, identity, addedBy string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO allowlist (identity, added_by, created_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO NOTHING
	`, identity, addedBy, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) RemoveFromAllowlist(ctx context.Context, identity string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM allowlist WHERE identity = ?`, identity)
	return err
}

func (r *SQLiteRepository) ListAllowlist(ctx context.Context) ([]*AllowlistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identity, added_by, created_at FROM allowlist ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AllowlistEntry
	for rows.Next() {
		var e AllowlistEntry
		var createdAt string
		if err := rows.Scan(&e.Identity, &e.AddedBy, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *SQLiteRepository) CreateAccessRequest(ctx context.Context, req *AccessRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_requests (id, identity, note, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET note = excluded.note, updated_at = excluded.updated_at
	`, req.ID, req.Identity, req.Note, req.Status,
		req.CreatedAt.Format(time.RFC3339), req.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetAccessRequestByIdentity(ctx context.Context, identity string) (*AccessRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity, note, status, created_at, updated_at
		FROM access_requests WHERE identity = ?
	`, identity)
	return scanAccessRequest(row)
}

func (r *SQLiteRepository) ListAccessRequests(ctx context.Context, status string) ([]*AccessRequest, error) {
	query := `SELECT id, identity, note, status, created_at, updated_at FROM access_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*AccessRequest
	for rows.Next() {
		var a AccessRequest
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Identity, &a.Note, &a.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		reqs = append(reqs, &a)
	}
	return reqs, rows.Err()
}

func (r *SQLiteRepository) UpdateAccessRequestStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE access_requests SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) DeleteAccessRequest(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_requests WHERE id = ?`, id)
	return err
}

func scanAccessRequest(row *sql.Row) (*AccessRequest, error) {
	var a AccessRequest
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.Identity, &a.Note, &a.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

func (r *SQLiteRepository) CreateRequest(ctx context.Context, rec *RequestRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO requests (id, requester, kind, state, failure_kind, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Requester, rec.Kind, rec.State, rec.FailureKind, rec.Detail,
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, requester, kind, state, failure_kind, detail, created_at, updated_at
		FROM requests WHERE id = ?
	`, id)

	var rec RequestRecord
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.Requester, &rec.Kind, &rec.State, &rec.FailureKind, &rec.Detail, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func (r *SQLiteRepository) ListRequests(ctx context.Context, requester string, limit int) ([]*RequestRecord, error) {
	query := `
		SELECT id, requester, kind, state, failure_kind, detail, created_at, updated_at
		FROM requests`
	args := []any{}
	if requester != "" {
		query += ` WHERE requester = ?`
		args = append(args, requester)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Requester, &rec.Kind, &rec.State, &rec.FailureKind, &rec.Detail, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (r *SQLiteRepository) UpdateRequestKind(ctx context.Context, id, kind string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE requests SET kind = ?, updated_at = ? WHERE id = ?
	`, kind, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) UpdateRequestState(ctx context.Context, id, state, failureKind, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE requests SET state = ?, failure_kind = ?, detail = ?, updated_at = ? WHERE id = ?
	`, state, failureKind, detail, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) CountRequestsInState(ctx context.Context, state string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE state = ?`, state).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) SetCooldown(ctx context.Context, identity string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cooldowns (identity, until) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET until = excluded.until
	`, identity, until.UTC().Format(time.RFC3339))
	return err
}

// CooldownRemaining reports how long the identity must still wait.
// Expired rows are removed as a side effect.
func (r *SQLiteRepository) CooldownRemaining(ctx context.Context, identity string, now time.Time) (time.Duration, error) {
	var untilStr string
	err := r.db.QueryRowContext(ctx, `SELECT until FROM cooldowns WHERE identity = ?`, identity).Scan(&untilStr)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	until, err := time.Parse(time.RFC3339, untilStr)
	if err != nil || !until.After(now) {
		_, _ = r.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE identity = ?`, identity)
		return 0, nil
	}
	return until.Sub(now), nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
