package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelauth/sentinel/audit"
	"github.com/sentinelauth/sentinel/session"
	"github.com/sentinelauth/sentinel/storage"
)

// CreateSession mints a token pair and opens a session for an authenticated
// identity. IP and user agent come from ctx. Exceeding the per-user session
// cap silently revokes the least-recently-active session first.
func (e *Engine) CreateSession(ctx context.Context, identityID, deviceInfo string) (*session.TokenPair, *session.Session, error) {
	ctx, span := e.span(ctx, "CreateSession")
	defer span.End()
	defer e.metrics.observe("create_session", time.Now())

	rec, err := e.durable.IdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown identity", ErrAuthentication)
		}
		return nil, nil, mapStorageErr(err)
	}
	if !rec.IsActive || rec.IsSuspended {
		return nil, nil, fmt.Errorf("%w: identity not eligible for sessions", ErrAuthentication)
	}

	pair, sess, err := e.sessions.Create(ctx, rec, clientIPFromContext(ctx), userAgentFromContext(ctx), deviceInfo)
	if err != nil {
		return nil, nil, mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:    "session.create",
		TenantID:     rec.TenantID,
		IdentityID:   rec.ID,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Details:      map[string]any{"fingerprint": sess.Fingerprint, "degraded": sess.Degraded},
		Severity:     audit.SeverityInfo,
	})
	return pair, sess, nil
}

// ValidateSession checks an access token and returns its live session.
// Expected failures return ok=false with a nil error.
func (e *Engine) ValidateSession(ctx context.Context, accessToken string) (*session.Session, bool, error) {
	ctx, span := e.span(ctx, "ValidateSession")
	defer span.End()

	sess, ok, err := e.sessions.Validate(ctx, accessToken)
	if err != nil {
		return nil, false, mapStorageErr(err)
	}
	return sess, ok, nil
}

// RefreshSession rotates the token pair for the session owning refreshToken.
// Presenting a rotated-out token revokes the token's whole family and
// returns ErrTokenReuse; the incident is audited at critical severity, which
// flushes the audit buffer synchronously.
func (e *Engine) RefreshSession(ctx context.Context, refreshToken string, extendTTL bool) (*session.TokenPair, *session.Session, error) {
	ctx, span := e.span(ctx, "RefreshSession")
	defer span.End()
	defer e.metrics.observe("refresh_session", time.Now())

	pair, sess, err := e.sessions.Refresh(ctx, refreshToken, extendTTL)
	if err != nil {
		if errors.Is(err, session.ErrTokenReuse) {
			e.metrics.reuse.Inc()
			e.metrics.refreshes.WithLabelValues("reuse").Inc()
			e.auditLog(ctx, audit.Entry{
				EventType: "security.token_reuse",
				TenantID:  auditTenant(ctx),
				Details:   map[string]any{"action": "family_revoked"},
				Severity:  audit.SeverityCritical,
			})
			return nil, nil, err
		}
		e.metrics.refreshes.WithLabelValues("failure").Inc()
		return nil, nil, mapStorageErr(err)
	}

	e.metrics.refreshes.WithLabelValues("success").Inc()
	e.auditLog(ctx, audit.Entry{
		EventType:    "auth.refresh",
		TenantID:     sess.TenantID,
		IdentityID:   sess.UserID,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Severity:     audit.SeverityInfo,
	})
	return pair, sess, nil
}

// Logout ends the caller's own session. The ownership check keeps one user
// from signing out another; administrative revocation goes through
// RevokeSession instead.
func (e *Engine) Logout(ctx context.Context, sessionID, identityID string) error {
	ctx, span := e.span(ctx, "Logout")
	defer span.End()

	sess, err := e.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return mapStorageErr(err)
	}
	if sess.UserID != identityID {
		return ErrNotOwner
	}
	if err := e.sessions.Revoke(ctx, sessionID, session.ReasonLogout); err != nil {
		return mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:    "auth.signout",
		TenantID:     sess.TenantID,
		IdentityID:   identityID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Severity:     audit.SeverityInfo,
	})
	return nil
}

// RevokeSession terminates a session administratively. Idempotent.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, reason string) error {
	ctx, span := e.span(ctx, "RevokeSession")
	defer span.End()

	sess, err := e.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return mapStorageErr(err)
	}
	if reason == "" {
		reason = session.ReasonAdmin
	}
	if err := e.sessions.Revoke(ctx, sessionID, reason); err != nil {
		return mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:    "session.revoke",
		TenantID:     sess.TenantID,
		IdentityID:   sess.UserID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Details:      map[string]any{"reason": reason},
		Severity:     audit.SeverityMedium,
	})
	return nil
}

// RevokeAllUserSessions terminates every active session of a user in the
// tenant, optionally sparing one. Returns how many sessions were revoked.
func (e *Engine) RevokeAllUserSessions(ctx context.Context, tenantID, identityID, exceptSessionID string) (int, error) {
	ctx, span := e.span(ctx, "RevokeAllUserSessions")
	defer span.End()

	n, err := e.sessions.RevokeAllForUser(ctx, tenantID, identityID, exceptSessionID, session.ReasonAdmin)
	if err != nil {
		return n, mapStorageErr(err)
	}

	e.auditLog(ctx, audit.Entry{
		EventType:  "session.revoke_all",
		TenantID:   tenantID,
		IdentityID: identityID,
		Details:    map[string]any{"revoked": n},
		Severity:   audit.SeverityMedium,
	})
	return n, nil
}

// CleanupExpiredSessions sweeps sessions whose expiry passed. Run it
// periodically; durable rows never expire on their own.
func (e *Engine) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ctx, span := e.span(ctx, "CleanupExpiredSessions")
	defer span.End()

	n, err := e.sessions.CleanupExpired(ctx)
	return n, mapStorageErr(err)
}

// SessionAnalytics aggregates active-session statistics. Best-effort.
func (e *Engine) SessionAnalytics(ctx context.Context) (*session.Analytics, error) {
	a, err := e.sessions.Analytics(ctx)
	return a, mapStorageErr(err)
}

// MigrateSessionToSSO attaches SSO assertion metadata to a session after an
// external SSO exchange. Token identity is unchanged.
func (e *Engine) MigrateSessionToSSO(ctx context.Context, sessionID, provider string, ssoData map[string]string) error {
	ctx, span := e.span(ctx, "MigrateSessionToSSO")
	defer span.End()

	if err := e.sessions.MigrateToSSO(ctx, sessionID, provider, ssoData); err != nil {
		return mapStorageErr(err)
	}
	sess, err := e.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return mapStorageErr(err)
	}
	e.auditLog(ctx, audit.Entry{
		EventType:    "session.sso_migrate",
		TenantID:     sess.TenantID,
		IdentityID:   sess.UserID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Details:      map[string]any{"provider": provider},
		Severity:     audit.SeverityInfo,
	})
	return nil
}

// auditTenant resolves the tenant for audit entries emitted on paths where
// no record is available, e.g. a replayed token whose session is already
// gone. The chain requires a tenant; "unattributed" keeps the incident on
// record rather than dropping it.
func auditTenant(ctx context.Context) string {
	if t := tenantIDFromContext(ctx); t != "" {
		return t
	}
	return "unattributed"
}
