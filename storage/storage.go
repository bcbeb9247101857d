package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key or row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrUnavailable is returned when a backing store cannot be reached.
var ErrUnavailable = errors.New("storage: unavailable")

// Cache is the volatile key-value collaborator. The Redis implementation in
// storage/redis is the production driver; storage/memory provides a
// deterministic fake for tests.
//
// All methods honor ctx deadlines. Implementations wrap transport failures
// with [ErrUnavailable] so callers can degrade to the durable store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	SortedAdd(ctx context.Context, key, member string, score float64) error
	SortedRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	SortedRemove(ctx context.Context, key string, members ...string) error

	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// AcquireLock takes a short-lived distributed lock. It returns an owner
	// token that must be passed back to ReleaseLock; releasing with a stale
	// token is a no-op so an expired holder cannot free a successor's lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error

	Ping(ctx context.Context) error
}

// DurableStore is the system-of-record collaborator: transactional
// create/read/update for identities, sessions, and the append-only audit log.
// Nothing deletes audit rows.
type DurableStore interface {
	CreateIdentity(ctx context.Context, rec *IdentityRecord) error
	IdentityByEmail(ctx context.Context, tenantID, email string) (*IdentityRecord, error)
	IdentityByID(ctx context.Context, id string) (*IdentityRecord, error)
	UpdateIdentity(ctx context.Context, rec *IdentityRecord) error

	CreateSession(ctx context.Context, rec *SessionRecord) error
	SessionByID(ctx context.Context, id string) (*SessionRecord, error)
	SessionByAccessJTI(ctx context.Context, jti string) (*SessionRecord, error)
	SessionByRefreshJTI(ctx context.Context, jti string) (*SessionRecord, error)
	SessionsByFamily(ctx context.Context, familyID string) ([]*SessionRecord, error)
	SessionsByUser(ctx context.Context, tenantID, userID string, activeOnly bool) ([]*SessionRecord, error)
	UpdateSession(ctx context.Context, rec *SessionRecord) error

	// AppendAudit persists the batch inside one transaction. Either every
	// entry lands or none do; retry stays with the caller.
	AppendAudit(ctx context.Context, entries []*AuditRecord) error
	// LatestAuditHash returns the tail hash of the tenant's chain, or ""
	// when the tenant has no entries yet.
	LatestAuditHash(ctx context.Context, tenantID string) (string, error)
	AuditRange(ctx context.Context, tenantID string, start, end time.Time) ([]*AuditRecord, error)

	Ping(ctx context.Context) error
}

// ObjectStore is the cold-storage collaborator for audit archives and exports.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	// SignedURL returns a time-limited retrieval URL for key.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// Clock abstracts time for deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
