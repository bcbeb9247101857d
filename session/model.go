package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sentinelauth/sentinel/storage"
)

// Revocation reasons recorded on terminal sessions.
const (
	ReasonLogout        = "logout"
	ReasonExpired       = "expired"
	ReasonSessionLimit  = "session_limit"
	ReasonReuse         = "refresh_token_reuse"
	ReasonPasswordReset = "password_reset"
	ReasonAdmin         = "admin_revoked"
)

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Session is the caller-facing view of a session record. Token identifiers
// are deliberately absent: nothing outside the core needs a jti.
type Session struct {
	ID             string
	TenantID       string
	UserID         string
	FamilyID       string
	Fingerprint    string
	IP             string
	UserAgent      string
	DeviceInfo     string
	SSOProvider    string
	SSOData        map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	IsActive       bool
	RevokedReason  string

	// Degraded is true when the operation that produced this view could not
	// use the cache and was served by the durable store alone.
	Degraded bool
}

// Analytics is a best-effort aggregate over active sessions.
type Analytics struct {
	TotalActive     int
	ByType          map[string]int
	AverageDuration time.Duration
	// Partial is true when some session records could not be loaded and the
	// aggregates cover only the readable subset.
	Partial bool
}

// Fingerprint derives the client binding value from the caller's IP and
// User-Agent. The value is stable for a given pair and carries no PII beyond
// what the inputs already expose.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "\n" + userAgent))
	return hex.EncodeToString(sum[:16])
}

func view(rec *storage.SessionRecord, degraded bool) *Session {
	if rec == nil {
		return nil
	}
	s := &Session{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		UserID:         rec.UserID,
		FamilyID:       rec.FamilyID,
		Fingerprint:    rec.Fingerprint,
		IP:             rec.IP,
		UserAgent:      rec.UserAgent,
		DeviceInfo:     rec.DeviceInfo,
		SSOProvider:    rec.SSOProvider,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ExpiresAt:      rec.ExpiresAt,
		AccessCount:    rec.AccessCount,
		IsActive:       rec.IsActive,
		RevokedReason:  rec.RevokedReason,
		Degraded:       degraded,
	}
	if rec.SSOData != nil {
		s.SSOData = make(map[string]string, len(rec.SSOData))
		for k, v := range rec.SSOData {
			s.SSOData[k] = v
		}
	}
	return s
}
