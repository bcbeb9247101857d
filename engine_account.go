package sentinel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelauth/sentinel/audit"
	"github.com/sentinelauth/sentinel/password"
	"github.com/sentinelauth/sentinel/storage"
)

// mapStorageErr translates driver-level failures into the engine taxonomy.
func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser registers a new identity in the tenant. All input validation
// happens before any write: a weak password or malformed email leaves the
// store untouched. A duplicate email within the tenant returns ErrConflict.
func (e *Engine) CreateUser(ctx context.Context, email, pw, name, tenantID string) (*Identity, error) {
	ctx, span := e.span(ctx, "CreateUser")
	defer span.End()
	defer e.metrics.observe("create_user", time.Now())

	email = normalizeEmail(email)
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, &ValidationError{Field: "email", Reason: "malformed"}
	}
	if ok, reason := password.ValidateStrength(pw); !ok {
		return nil, &ValidationError{Field: "password", Reason: reason}
	}

	hash, err := e.hasher.Hash(ctx, pw)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	rec := &storage.IdentityRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.durable.CreateIdentity(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return nil, mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:    "user.create",
		TenantID:     tenantID,
		IdentityID:   rec.ID,
		ResourceType: "identity",
		ResourceID:   rec.ID,
		Details:      map[string]any{"email": email},
		Severity:     audit.SeverityInfo,
	})
	return identityView(rec), nil
}

// Authenticate verifies credentials against the tenant resolved from ctx.
// Unknown email, wrong password, and inactive or suspended accounts all
// return (nil, false, nil): the negative result carries no detail the caller
// could use to enumerate accounts. The reason lands in the audit log only.
func (e *Engine) Authenticate(ctx context.Context, email, pw string) (*Identity, bool, error) {
	ctx, span := e.span(ctx, "Authenticate")
	defer span.End()
	defer e.metrics.observe("authenticate", time.Now())

	tenantID := tenantIDFromContext(ctx)
	if tenantID == "" {
		return nil, false, &ValidationError{Field: "tenant_id", Reason: "required in context"}
	}
	email = normalizeEmail(email)

	fail := func(identityID, reason string) (*Identity, bool, error) {
		e.metrics.logins.WithLabelValues("failure").Inc()
		e.auditLog(ctx, audit.Entry{
			EventType:  "login_failed",
			TenantID:   tenantID,
			IdentityID: identityID,
			Details:    map[string]any{"email": email, "reason": reason},
			Severity:   audit.SeverityMedium,
		})
		return nil, false, nil
	}

	rec, err := e.durable.IdentityByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn a hash verification so unknown emails cost the same as
			// wrong passwords.
			e.hasher.Burn(ctx, pw)
			return fail("", "unknown_email")
		}
		return nil, false, mapStorageErr(err)
	}

	ok, err := e.hasher.Verify(ctx, pw, rec.PasswordHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return fail(rec.ID, "password_mismatch")
	}
	if rec.IsSuspended {
		return fail(rec.ID, "suspended")
	}
	if !rec.IsActive {
		return fail(rec.ID, "inactive")
	}

	e.metrics.logins.WithLabelValues("success").Inc()
	e.auditLog(ctx, audit.Entry{
		EventType:  "auth.login",
		TenantID:   tenantID,
		IdentityID: rec.ID,
		Severity:   audit.SeverityInfo,
	})
	return identityView(rec), true, nil
}
