// Package session is the distributed session manager: the volatile cache is
// the hot path, the durable store is the system of record. Cache
// unavailability degrades reads and writes to the durable store; a durable
// write failure fails the operation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/storage"
	"github.com/sentinelauth/sentinel/token"
)

var (
	// ErrSessionNotFound is returned when no live session matches the input.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenReuse is returned when a rotated-out refresh token is
	// presented. The whole family has already been revoked by the time the
	// caller sees this error.
	ErrTokenReuse = errors.New("refresh token reuse detected")
	// ErrNotOwner is returned when a session does not belong to the caller.
	ErrNotOwner = errors.New("session not owned by user")
)

// Config tunes the manager. Zero values fall back to the documented defaults.
type Config struct {
	// MaxSessionsPerUser caps concurrent active sessions per user; creating
	// one past the cap revokes the least-recently-active session. Default 5.
	MaxSessionsPerUser int
	// ForensicTTL keeps revoked session records readable in the cache for
	// post-incident lookups. Default 24h.
	ForensicTTL time.Duration
	// LockTTL bounds how long a refresh critical section may hold the
	// per-family lock. Default 5s.
	LockTTL time.Duration
	// LockWait bounds how long a refresh waits to acquire the lock before
	// giving up. Default 2s.
	LockWait time.Duration
	// KeyPrefix namespaces all cache keys. Default "sn".
	KeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.ForensicTTL <= 0 {
		c.ForensicTTL = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "sn"
	}
	return c
}

// Manager owns all session state transitions. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	cache   storage.Cache
	durable storage.DurableStore
	tokens  *token.Service
	clock   storage.Clock
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker[any]

	// onDegraded fires once per operation that had to bypass the cache.
	onDegraded func()
}

// NewManager wires the manager. log may be nil.
func NewManager(
	cfg Config,
	cache storage.Cache,
	durable storage.DurableStore,
	tokens *token.Service,
	clock storage.Clock,
	log *zap.Logger,
) *Manager {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = storage.SystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		cache:   cache,
		durable: durable,
		tokens:  tokens,
		clock:   clock,
		log:     log,
	}
	m.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "session-cache",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.log.Warn("session cache breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return m
}

// OnDegraded registers a hook fired whenever an operation bypasses the cache.
// Used by the engine to count degradations.
func (m *Manager) OnDegraded(fn func()) { m.onDegraded = fn }

// cacheDo routes a cache call through the circuit breaker. Only transport
// failures count against the breaker; ErrNotFound passes through untouched.
func (m *Manager) cacheDo(fn func() error) error {
	var benign error
	_, err := m.breaker.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return nil, err
			}
			benign = err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: cache breaker open", storage.ErrUnavailable)
		}
		return err
	}
	return benign
}

func (m *Manager) degraded(op string, err error) {
	m.log.Warn("session cache unavailable, using durable store",
		zap.String("op", op),
		zap.Error(err),
	)
	if m.onDegraded != nil {
		m.onDegraded()
	}
}

// Cache key layout. Record keys omit the tenant because session IDs are
// globally unique; user and tenant scoping lives in the record itself.
func (m *Manager) recordKey(sessionID string) string { return m.cfg.KeyPrefix + ":s:" + sessionID }
func (m *Manager) userKey(tenantID, userID string) string {
	return m.cfg.KeyPrefix + ":u:" + tenantID + ":" + userID
}
func (m *Manager) accessKey(jti string) string  { return m.cfg.KeyPrefix + ":a:" + jti }
func (m *Manager) refreshKey(jti string) string { return m.cfg.KeyPrefix + ":r:" + jti }
func (m *Manager) familyKey(id string) string   { return m.cfg.KeyPrefix + ":f:" + id }
func (m *Manager) lockKey(familyID string) string {
	return m.cfg.KeyPrefix + ":l:" + familyID
}
func (m *Manager) expiryIndexKey() string { return m.cfg.KeyPrefix + ":x" }

func expiryMember(tenantID, sessionID string) string { return tenantID + "|" + sessionID }

// Create mints a token pair and persists a new session for identity. The
// durable write is authoritative: its failure fails the call. A cache write
// failure leaves the call successful but degraded.
func (m *Manager) Create(
	ctx context.Context,
	identity *storage.IdentityRecord,
	ip, userAgent, deviceInfo string,
) (*TokenPair, *Session, error) {
	now := m.clock.Now()

	if err := m.enforceSessionCap(ctx, identity.TenantID, identity.ID); err != nil {
		return nil, nil, err
	}

	access, accessJTI, accessExp, err := m.tokens.CreateAccessToken(identity.ID, identity.TenantID, nil)
	if err != nil {
		return nil, nil, err
	}
	refresh, refreshJTI, familyID, refreshExp, err := m.tokens.CreateRefreshToken(identity.ID, identity.TenantID, "")
	if err != nil {
		return nil, nil, err
	}

	rec := &storage.SessionRecord{
		ID:             uuid.NewString(),
		TenantID:       identity.TenantID,
		UserID:         identity.ID,
		AccessJTI:      accessJTI,
		RefreshJTI:     refreshJTI,
		FamilyID:       familyID,
		Fingerprint:    Fingerprint(ip, userAgent),
		IP:             ip,
		UserAgent:      userAgent,
		DeviceInfo:     deviceInfo,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      refreshExp,
		IsActive:       true,
	}

	if err := m.durable.CreateSession(ctx, rec); err != nil {
		return nil, nil, err
	}

	degraded := false
	if err := m.cacheWriteSession(ctx, rec); err != nil {
		m.degraded("create", err)
		degraded = true
	}

	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return pair, view(rec, degraded), nil
}

// enforceSessionCap revokes the least-recently-active session when the user
// is at the concurrency limit.
func (m *Manager) enforceSessionCap(ctx context.Context, tenantID, userID string) error {
	active, err := m.durable.SessionsByUser(ctx, tenantID, userID, true)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	live := active[:0]
	for _, rec := range active {
		if rec.ExpiresAt.After(now) {
			live = append(live, rec)
		}
	}
	if len(live) < m.cfg.MaxSessionsPerUser {
		return nil
	}

	for len(live) >= m.cfg.MaxSessionsPerUser {
		lra := live[0]
		for _, rec := range live[1:] {
			if rec.LastActivityAt.Before(lra.LastActivityAt) {
				lra = rec
			}
		}
		if err := m.Revoke(ctx, lra.ID, ReasonSessionLimit); err != nil {
			return err
		}
		next := live[:0]
		for _, rec := range live {
			if rec.ID != lra.ID {
				next = append(next, rec)
			}
		}
		live = next
	}
	return nil
}

func (m *Manager) cacheWriteSession(ctx context.Context, rec *storage.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(m.clock.Now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return m.cacheDo(func() error {
		if err := m.cache.Set(ctx, m.recordKey(rec.ID), data, ttl); err != nil {
			return err
		}
		if err := m.cache.Set(ctx, m.accessKey(rec.AccessJTI), []byte(rec.ID), ttl); err != nil {
			return err
		}
		if err := m.cache.Set(ctx, m.refreshKey(rec.RefreshJTI), []byte(rec.ID), ttl); err != nil {
			return err
		}
		if err := m.cache.Set(ctx, m.familyKey(rec.FamilyID), []byte(rec.ID), ttl); err != nil {
			return err
		}
		if err := m.cache.SetAdd(ctx, m.userKey(rec.TenantID, rec.UserID), rec.ID); err != nil {
			return err
		}
		return m.cache.SortedAdd(ctx, m.expiryIndexKey(),
			expiryMember(rec.TenantID, rec.ID), float64(rec.ExpiresAt.Unix()))
	})
}

// recordByID loads a session record, cache first, durable store on miss or
// outage. The bool reports whether the durable fallback was used.
func (m *Manager) recordByID(ctx context.Context, sessionID string) (*storage.SessionRecord, bool, error) {
	var data []byte
	err := m.cacheDo(func() error {
		var err error
		data, err = m.cache.Get(ctx, m.recordKey(sessionID))
		return err
	})
	if err == nil {
		var rec storage.SessionRecord
		if decodeErr := json.Unmarshal(data, &rec); decodeErr == nil {
			return &rec, false, nil
		}
		// Corrupt cache blob: fall through to the durable store.
	} else if errors.Is(err, storage.ErrUnavailable) {
		m.degraded("record_lookup", err)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	rec, err := m.durable.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, true, ErrSessionNotFound
		}
		return nil, true, err
	}
	return rec, true, nil
}

// recordByIndex resolves a jti index key to a session record, falling back
// to the given durable query.
func (m *Manager) recordByIndex(
	ctx context.Context,
	indexKey string,
	durableLookup func(context.Context) (*storage.SessionRecord, error),
) (*storage.SessionRecord, bool, error) {
	var id []byte
	err := m.cacheDo(func() error {
		var err error
		id, err = m.cache.Get(ctx, indexKey)
		return err
	})
	if err == nil {
		rec, fallback, lookupErr := m.recordByID(ctx, string(id))
		if lookupErr == nil {
			return rec, fallback, nil
		}
		if !errors.Is(lookupErr, ErrSessionNotFound) {
			return nil, fallback, lookupErr
		}
	} else if errors.Is(err, storage.ErrUnavailable) {
		m.degraded("index_lookup", err)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	rec, err := durableLookup(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, true, ErrSessionNotFound
		}
		return nil, true, err
	}
	return rec, true, nil
}

// Validate checks an access token and returns the live session it belongs
// to. Expected failures (bad token, revoked, expired, unknown session) return
// ok=false with a nil error; only dependency failures surface as errors.
func (m *Manager) Validate(ctx context.Context, accessToken string) (*Session, bool, error) {
	claims, err := m.tokens.Verify(ctx, accessToken, token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrInvalid) || errors.Is(err, token.ErrRevoked) {
			return nil, false, nil
		}
		return nil, false, err
	}

	rec, fallback, err := m.recordByIndex(ctx, m.accessKey(claims.ID), func(ctx context.Context) (*storage.SessionRecord, error) {
		return m.durable.SessionByAccessJTI(ctx, claims.ID)
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	now := m.clock.Now()
	if !rec.IsActive || !rec.ExpiresAt.After(now) {
		return nil, false, nil
	}
	if rec.AccessJTI != claims.ID {
		// The session rotated since this token was minted.
		return nil, false, nil
	}

	m.TouchActivity(ctx, rec.ID)
	rec.LastActivityAt = now
	rec.AccessCount++
	return view(rec, fallback), true, nil
}

// TouchActivity bumps last-activity bookkeeping for a session. Best-effort
// telemetry: every failure is logged and swallowed.
func (m *Manager) TouchActivity(ctx context.Context, sessionID string) {
	rec, _, err := m.recordByID(ctx, sessionID)
	if err != nil {
		m.log.Warn("session activity update skipped", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	now := m.clock.Now()
	rec.LastActivityAt = now
	rec.AccessCount++

	if err := m.durable.UpdateSession(ctx, rec); err != nil {
		m.log.Warn("session activity durable update failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	if err := m.cacheDo(func() error {
		return m.cache.Set(ctx, m.recordKey(rec.ID), data, ttl)
	}); err != nil {
		m.log.Warn("session activity cache update failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Refresh rotates the token pair for the session owning refreshToken. The
// whole sequence runs under a per-family distributed lock so concurrent
// refreshes are deterministic: one rotates, the other observes the rotated
// state and trips family-wide revocation via ErrTokenReuse.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, extendTTL bool) (*TokenPair, *Session, error) {
	claims, err := m.tokens.Verify(ctx, refreshToken, token.TypeRefresh)
	if errors.Is(err, token.ErrRevoked) {
		// Structurally valid but blacklisted: the token was rotated out and
		// is being replayed.
		if claims != nil && claims.FamilyID != "" {
			if revokeErr := m.revokeFamily(ctx, claims.FamilyID, ReasonReuse); revokeErr != nil {
				m.log.Error("family revocation after reuse failed",
					zap.String("family_id", claims.FamilyID), zap.Error(revokeErr))
			}
		}
		return nil, nil, ErrTokenReuse
	}
	if err != nil {
		return nil, nil, err
	}

	unlock, err := m.lockFamily(ctx, claims.FamilyID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	rec, fallback, err := m.recordByIndex(ctx, m.refreshKey(claims.ID), func(ctx context.Context) (*storage.SessionRecord, error) {
		return m.activeFamilySession(ctx, claims.FamilyID)
	})
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	if !rec.IsActive || !rec.ExpiresAt.After(now) {
		return nil, nil, ErrSessionNotFound
	}
	if rec.RefreshJTI != claims.ID {
		// A different family member is current: replay of a rotated token.
		if revokeErr := m.revokeFamily(ctx, claims.FamilyID, ReasonReuse); revokeErr != nil {
			m.log.Error("family revocation after reuse failed",
				zap.String("family_id", claims.FamilyID), zap.Error(revokeErr))
		}
		return nil, nil, ErrTokenReuse
	}

	access, accessJTI, accessExp, err := m.tokens.CreateAccessToken(rec.UserID, rec.TenantID, nil)
	if err != nil {
		return nil, nil, err
	}
	refresh, refreshJTI, _, refreshExp, err := m.tokens.CreateRefreshToken(rec.UserID, rec.TenantID, rec.FamilyID)
	if err != nil {
		return nil, nil, err
	}

	oldAccessJTI, oldRefreshJTI := rec.AccessJTI, rec.RefreshJTI
	oldRefreshRemaining := rec.ExpiresAt.Sub(now)

	rec.AccessJTI = accessJTI
	rec.RefreshJTI = refreshJTI
	rec.LastActivityAt = now
	if extendTTL {
		rec.ExpiresAt = refreshExp
	}

	if err := m.durable.UpdateSession(ctx, rec); err != nil {
		return nil, nil, err
	}

	if err := m.tokens.Revoke(ctx, oldAccessJTI, m.tokens.AccessTTL()); err != nil {
		m.log.Warn("old access jti blacklist failed", zap.Error(err))
	}
	if err := m.tokens.Revoke(ctx, oldRefreshJTI, oldRefreshRemaining); err != nil {
		m.log.Warn("old refresh jti blacklist failed", zap.Error(err))
	}

	degraded := fallback
	if err := m.cacheDo(func() error {
		return m.cache.Delete(ctx, m.accessKey(oldAccessJTI), m.refreshKey(oldRefreshJTI))
	}); err != nil {
		m.log.Warn("stale jti index delete failed", zap.Error(err))
	}
	if err := m.cacheWriteSession(ctx, rec); err != nil {
		m.degraded("refresh", err)
		degraded = true
	}

	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return pair, view(rec, degraded), nil
}

func (m *Manager) activeFamilySession(ctx context.Context, familyID string) (*storage.SessionRecord, error) {
	recs, err := m.durable.SessionsByFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.IsActive {
			return rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

// lockFamily acquires the per-family refresh lock, polling until LockWait
// elapses. Creation vs revocation vs refresh for one session all serialize
// on this lock.
func (m *Manager) lockFamily(ctx context.Context, familyID string) (func(), error) {
	key := m.lockKey(familyID)
	deadline := m.clock.Now().Add(m.cfg.LockWait)
	for {
		var (
			tok string
			ok  bool
		)
		err := m.cacheDo(func() error {
			var err error
			tok, ok, err = m.cache.AcquireLock(ctx, key, m.cfg.LockTTL)
			return err
		})
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				// No cache means no cross-process lock. Proceed: the durable
				// store's jti uniqueness still resolves the race, one update
				// wins and the loser fails rotation.
				m.degraded("family_lock", err)
				return func() {}, nil
			}
			return nil, err
		}
		if ok {
			return func() {
				if err := m.cache.ReleaseLock(context.WithoutCancel(ctx), key, tok); err != nil {
					m.log.Warn("family lock release failed", zap.Error(err))
				}
			}, nil
		}
		if !m.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: family lock contended", storage.ErrUnavailable)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Revoke marks a session terminal. Idempotent: revoking an already-revoked
// session succeeds without side effects. The record is kept (cache under
// ForensicTTL, durable forever) for forensics.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	rec, _, err := m.recordByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !rec.IsActive {
		return nil
	}

	now := m.clock.Now()
	rec.IsActive = false
	rec.RevokedReason = reason

	if err := m.durable.UpdateSession(ctx, rec); err != nil {
		return err
	}

	if err := m.tokens.Revoke(ctx, rec.AccessJTI, m.tokens.AccessTTL()); err != nil {
		m.log.Warn("access jti blacklist failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	refreshRemaining := rec.ExpiresAt.Sub(now)
	if err := m.tokens.Revoke(ctx, rec.RefreshJTI, refreshRemaining); err != nil {
		m.log.Warn("refresh jti blacklist failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := m.cacheDo(func() error {
		if err := m.cache.Delete(ctx,
			m.accessKey(rec.AccessJTI),
			m.refreshKey(rec.RefreshJTI),
			m.familyKey(rec.FamilyID),
		); err != nil {
			return err
		}
		if err := m.cache.SetRemove(ctx, m.userKey(rec.TenantID, rec.UserID), rec.ID); err != nil {
			return err
		}
		if err := m.cache.SortedRemove(ctx, m.expiryIndexKey(), expiryMember(rec.TenantID, rec.ID)); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return m.cache.Set(ctx, m.recordKey(rec.ID), data, m.cfg.ForensicTTL)
	}); err != nil {
		m.degraded("revoke", err)
	}
	return nil
}

// RevokeAllForUser revokes every active session of a user, optionally
// sparing one (the "log out everywhere else" case).
func (m *Manager) RevokeAllForUser(ctx context.Context, tenantID, userID, exceptSessionID, reason string) (int, error) {
	recs, err := m.durable.SessionsByUser(ctx, tenantID, userID, true)
	if err != nil {
		return 0, err
	}
	revoked := 0
	var firstErr error
	for _, rec := range recs {
		if rec.ID == exceptSessionID {
			continue
		}
		if err := m.Revoke(ctx, rec.ID, reason); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		revoked++
	}
	return revoked, firstErr
}

func (m *Manager) revokeFamily(ctx context.Context, familyID, reason string) error {
	recs, err := m.durable.SessionsByFamily(ctx, familyID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		if err := m.Revoke(ctx, rec.ID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupExpired sweeps the expiry index and revokes sessions whose cache
// TTL already lapsed but whose durable rows are still marked active. Durable
// rows never expire on their own. Returns the number of sessions revoked.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.clock.Now()
	var members []string
	if err := m.cacheDo(func() error {
		var err error
		members, err = m.cache.SortedRangeByScore(ctx, m.expiryIndexKey(), -1e308, float64(now.Unix()))
		return err
	}); err != nil {
		return 0, err
	}

	cleaned := 0
	for _, member := range members {
		_, sessionID, ok := splitExpiryMember(member)
		if !ok {
			continue
		}
		err := m.Revoke(ctx, sessionID, ReasonExpired)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return cleaned, err
		}
		if err == nil {
			cleaned++
		}
		if err := m.cacheDo(func() error {
			return m.cache.SortedRemove(ctx, m.expiryIndexKey(), member)
		}); err != nil {
			m.log.Warn("expiry index trim failed", zap.Error(err))
		}
	}
	return cleaned, nil
}

func splitExpiryMember(member string) (tenantID, sessionID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// Analytics aggregates active-session counts, types, and average age from
// the cache. Read-only and tolerant of partial data.
func (m *Manager) Analytics(ctx context.Context) (*Analytics, error) {
	now := m.clock.Now()
	var members []string
	if err := m.cacheDo(func() error {
		var err error
		members, err = m.cache.SortedRangeByScore(ctx, m.expiryIndexKey(), float64(now.Unix()), 1e308)
		return err
	}); err != nil {
		return nil, err
	}

	out := &Analytics{ByType: map[string]int{}}
	var totalAge time.Duration
	aged := 0
	for _, member := range members {
		_, sessionID, ok := splitExpiryMember(member)
		if !ok {
			continue
		}
		rec, _, err := m.recordByID(ctx, sessionID)
		if err != nil {
			out.Partial = true
			continue
		}
		if !rec.IsActive {
			continue
		}
		out.TotalActive++
		kind := "password"
		if rec.SSOProvider != "" {
			kind = "sso"
		}
		out.ByType[kind]++
		totalAge += now.Sub(rec.CreatedAt)
		aged++
	}
	if aged > 0 {
		out.AverageDuration = totalAge / time.Duration(aged)
	}
	return out, nil
}

// MigrateToSSO attaches SSO assertion metadata to an existing session. Token
// identity is untouched: the session keeps its jti pair and family.
func (m *Manager) MigrateToSSO(ctx context.Context, sessionID, provider string, ssoData map[string]string) error {
	rec, _, err := m.recordByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !rec.IsActive {
		return ErrSessionNotFound
	}

	rec.SSOProvider = provider
	rec.SSOData = ssoData

	if err := m.durable.UpdateSession(ctx, rec); err != nil {
		return err
	}

	if err := m.cacheDo(func() error {
		ttl, err := m.cache.TTL(ctx, m.recordKey(rec.ID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return m.cache.Set(ctx, m.recordKey(rec.ID), data, ttl)
	}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.degraded("migrate_sso", err)
	}
	return nil
}

// SessionByID returns the view of one session, live or retained.
func (m *Manager) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	rec, fallback, err := m.recordByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return view(rec, fallback), nil
}

// PingCache reports cache reachability.
func (m *Manager) PingCache(ctx context.Context) error { return m.cache.Ping(ctx) }

// PingDurable reports durable-store reachability.
func (m *Manager) PingDurable(ctx context.Context) error { return m.durable.Ping(ctx) }

// BreakerState exposes the cache breaker state for health reporting.
func (m *Manager) BreakerState() string { return m.breaker.State().String() }
