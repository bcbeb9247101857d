package sentinel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/audit"
	"github.com/sentinelauth/sentinel/password"
	"github.com/sentinelauth/sentinel/session"
	"github.com/sentinelauth/sentinel/storage"
)

type resetPayload struct {
	IdentityID string `json:"identity_id"`
	TenantID   string `json:"tenant_id"`
}

func (e *Engine) resetKey(token string) string {
	// Only the hash of the token is stored; a cache dump cannot be replayed.
	sum := sha256.Sum256([]byte(token))
	return e.cfg.Session.KeyPrefix + ":pr:" + hex.EncodeToString(sum[:])
}

// InitiatePasswordReset issues a single-use reset token for the email in the
// tenant resolved from ctx. A token is returned whether or not the email is
// registered, so the response never reveals account existence; a token for
// an unknown email is simply never redeemable. Delivery is the caller's job.
func (e *Engine) InitiatePasswordReset(ctx context.Context, email string) (string, error) {
	ctx, span := e.span(ctx, "InitiatePasswordReset")
	defer span.End()

	tenantID := tenantIDFromContext(ctx)
	if tenantID == "" {
		return "", &ValidationError{Field: "tenant_id", Reason: "required in context"}
	}
	email = normalizeEmail(email)

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])

	rec, err := e.durable.IdentityByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return token, nil
		}
		return "", mapStorageErr(err)
	}

	payload, err := json.Marshal(resetPayload{IdentityID: rec.ID, TenantID: tenantID})
	if err != nil {
		return "", err
	}
	if err := e.cache.Set(ctx, e.resetKey(token), payload, e.cfg.Reset.TokenTTL); err != nil {
		return "", mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:  "user.password_reset_request",
		TenantID:   tenantID,
		IdentityID: rec.ID,
		Severity:   audit.SeverityMedium,
	})
	return token, nil
}

// ResetPassword redeems a reset token, re-hashes the new password, and
// revokes every session of the identity. The token is consumed whether or
// not the new password is accepted; a rejected password needs a fresh token.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := e.span(ctx, "ResetPassword")
	defer span.End()

	key := e.resetKey(token)
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: invalid or expired reset token", ErrAuthentication)
		}
		return mapStorageErr(err)
	}
	if err := e.cache.Delete(ctx, key); err != nil {
		return mapStorageErr(err)
	}

	var payload resetPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: malformed reset token state", ErrAuthentication)
	}

	if ok, reason := password.ValidateStrength(newPassword); !ok {
		return &ValidationError{Field: "password", Reason: reason}
	}

	rec, err := e.durable.IdentityByID(ctx, payload.IdentityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: identity no longer exists", ErrAuthentication)
		}
		return mapStorageErr(err)
	}

	hash, err := e.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	rec.PasswordHash = hash
	rec.UpdatedAt = e.clock.Now()
	if err := e.durable.UpdateIdentity(ctx, rec); err != nil {
		return mapStorageErr(err)
	}

	// Every standing session predates the new credential.
	if _, err := e.sessions.RevokeAllForUser(ctx, rec.TenantID, rec.ID, "", session.ReasonPasswordReset); err != nil {
		e.log.Error("session revocation after password reset failed", zap.Error(err))
	}

	e.auditLog(ctx, audit.Entry{
		EventType:  "user.password_reset",
		TenantID:   rec.TenantID,
		IdentityID: rec.ID,
		Severity:   audit.SeverityHigh,
	})
	return nil
}
