// Package postgres implements storage.DurableStore over PostgreSQL using pgx.
// See schema.sql for the expected tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelauth/sentinel/storage"
)

const uniqueViolation = "23505"

// Store is a pgxpool-backed storage.DurableStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) CreateIdentity(ctx context.Context, rec *storage.IdentityRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (
			id, tenant_id, email, name, password_hash,
			is_active, is_suspended, email_verified, created_at, updated_at
		) VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.TenantID, rec.Email, rec.Name, rec.PasswordHash,
		rec.IsActive, rec.IsSuspended, rec.EmailVerified, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUnique(err) {
			return storage.ErrDuplicate
		}
		return wrap(err)
	}
	return nil
}

const identityColumns = `
	id, tenant_id, email, name, password_hash,
	is_active, is_suspended, email_verified, created_at, updated_at
`

func scanIdentity(row pgx.Row) (*storage.IdentityRecord, error) {
	var rec storage.IdentityRecord
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Email, &rec.Name, &rec.PasswordHash,
		&rec.IsActive, &rec.IsSuspended, &rec.EmailVerified, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, wrap(err)
	}
	return &rec, nil
}

func (s *Store) IdentityByEmail(ctx context.Context, tenantID, email string) (*storage.IdentityRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE tenant_id = $1 AND email = lower($2)`,
		tenantID, email,
	)
	return scanIdentity(row)
}

func (s *Store) IdentityByID(ctx context.Context, id string) (*storage.IdentityRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id,
	)
	return scanIdentity(row)
}

func (s *Store) UpdateIdentity(ctx context.Context, rec *storage.IdentityRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET
			email = lower($2), name = $3, password_hash = $4,
			is_active = $5, is_suspended = $6, email_verified = $7, updated_at = $8
		WHERE id = $1
	`,
		rec.ID, rec.Email, rec.Name, rec.PasswordHash,
		rec.IsActive, rec.IsSuspended, rec.EmailVerified, rec.UpdatedAt,
	)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	ssoData, err := json.Marshal(rec.SSOData)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, tenant_id, user_id, access_jti, refresh_jti, family_id,
			fingerprint, ip, user_agent, device_info, sso_provider, sso_data,
			created_at, last_activity_at, expires_at, access_count,
			is_active, revoked_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		rec.ID, rec.TenantID, rec.UserID, rec.AccessJTI, rec.RefreshJTI, rec.FamilyID,
		rec.Fingerprint, rec.IP, rec.UserAgent, rec.DeviceInfo, rec.SSOProvider, ssoData,
		rec.CreatedAt, rec.LastActivityAt, rec.ExpiresAt, rec.AccessCount,
		rec.IsActive, rec.RevokedReason,
	)
	if err != nil {
		if isUnique(err) {
			return storage.ErrDuplicate
		}
		return wrap(err)
	}
	return nil
}

const sessionColumns = `
	id, tenant_id, user_id, access_jti, refresh_jti, family_id,
	fingerprint, ip, user_agent, device_info, sso_provider, sso_data,
	created_at, last_activity_at, expires_at, access_count,
	is_active, revoked_reason
`

func scanSession(row pgx.Row) (*storage.SessionRecord, error) {
	var (
		rec     storage.SessionRecord
		ssoData []byte
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.UserID, &rec.AccessJTI, &rec.RefreshJTI, &rec.FamilyID,
		&rec.Fingerprint, &rec.IP, &rec.UserAgent, &rec.DeviceInfo, &rec.SSOProvider, &ssoData,
		&rec.CreatedAt, &rec.LastActivityAt, &rec.ExpiresAt, &rec.AccessCount,
		&rec.IsActive, &rec.RevokedReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, wrap(err)
	}
	if len(ssoData) > 0 {
		if err := json.Unmarshal(ssoData, &rec.SSOData); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (*storage.SessionRecord, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) SessionByAccessJTI(ctx context.Context, jti string) (*storage.SessionRecord, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_jti = $1`, jti))
}

func (s *Store) SessionByRefreshJTI(ctx context.Context, jti string) (*storage.SessionRecord, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_jti = $1`, jti))
}

func (s *Store) SessionsByFamily(ctx context.Context, familyID string) ([]*storage.SessionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE family_id = $1 ORDER BY created_at`, familyID)
	if err != nil {
		return nil, wrap(err)
	}
	return collectSessions(rows)
}

func (s *Store) SessionsByUser(ctx context.Context, tenantID, userID string, activeOnly bool) ([]*storage.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = $1 AND user_id = $2`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, wrap(err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*storage.SessionRecord, error) {
	defer rows.Close()
	var out []*storage.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func (s *Store) UpdateSession(ctx context.Context, rec *storage.SessionRecord) error {
	ssoData, err := json.Marshal(rec.SSOData)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			access_jti = $2, refresh_jti = $3, fingerprint = $4,
			sso_provider = $5, sso_data = $6,
			last_activity_at = $7, expires_at = $8, access_count = $9,
			is_active = $10, revoked_reason = $11
		WHERE id = $1
	`,
		rec.ID, rec.AccessJTI, rec.RefreshJTI, rec.Fingerprint,
		rec.SSOProvider, ssoData,
		rec.LastActivityAt, rec.ExpiresAt, rec.AccessCount,
		rec.IsActive, rec.RevokedReason,
	)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entries []*storage.AuditRecord) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_log (
				event_id, event_type, tenant_id, identity_id,
				resource_type, resource_id, details, ip_address, user_agent,
				severity, ts, previous_hash, hash
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`,
			e.EventID, e.EventType, e.TenantID, e.IdentityID,
			e.ResourceType, e.ResourceID, details, e.IP, e.UserAgent,
			e.Severity, e.Timestamp, e.PreviousHash, e.Hash,
		)
		if err != nil {
			return wrap(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *Store) LatestAuditHash(ctx context.Context, tenantID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT hash FROM audit_log WHERE tenant_id = $1 ORDER BY ts DESC, event_id DESC LIMIT 1`,
		tenantID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", wrap(err)
	}
	return hash, nil
}

func (s *Store) AuditRange(ctx context.Context, tenantID string, start, end time.Time) ([]*storage.AuditRecord, error) {
	query := `
		SELECT event_id, event_type, tenant_id, identity_id,
			resource_type, resource_id, details, ip_address, user_agent,
			severity, ts, previous_hash, hash
		FROM audit_log WHERE tenant_id = $1`
	args := []any{tenantID}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts, event_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []*storage.AuditRecord
	for rows.Next() {
		var (
			rec     storage.AuditRecord
			details []byte
		)
		err := rows.Scan(
			&rec.EventID, &rec.EventType, &rec.TenantID, &rec.IdentityID,
			&rec.ResourceType, &rec.ResourceID, &details, &rec.IP, &rec.UserAgent,
			&rec.Severity, &rec.Timestamp, &rec.PreviousHash, &rec.Hash,
		)
		if err != nil {
			return nil, wrap(err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrap(err)
	}
	return nil
}
