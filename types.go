package sentinel

import (
	"time"

	"github.com/sentinelauth/sentinel/storage"
)

// Identity is the caller-facing view of a stored identity. The password hash
// never leaves the engine.
type Identity struct {
	ID            string
	TenantID      string
	Email         string
	Name          string
	IsActive      bool
	IsSuspended   bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func identityView(rec *storage.IdentityRecord) *Identity {
	return &Identity{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		Email:         rec.Email,
		Name:          rec.Name,
		IsActive:      rec.IsActive,
		IsSuspended:   rec.IsSuspended,
		EmailVerified: rec.EmailVerified,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// Health reports collaborator reachability for readiness probes.
type Health struct {
	CacheOK   bool
	DurableOK bool
	ObjectsOK bool
	// CacheBreaker is the session cache circuit breaker state:
	// closed, half-open, or open.
	CacheBreaker string
	// AuditBufferDepth is the number of audit entries awaiting flush.
	AuditBufferDepth int
}
