package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/storage"
	"github.com/sentinelauth/sentinel/storage/memory"
	"github.com/sentinelauth/sentinel/token"
)

type mapBlacklist struct {
	mu   sync.Mutex
	jtis map[string]struct{}
}

func (b *mapBlacklist) Revoke(_ context.Context, jti string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtis[jti] = struct{}{}
	return nil
}

func (b *mapBlacklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jtis[jti]
	return ok, nil
}

type fixture struct {
	manager *Manager
	cache   *memory.Cache
	store   *memory.Store
	clock   *memory.Clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	clock := memory.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := memory.NewCache(clock)
	store := memory.NewStore()

	tokens, err := token.NewService(token.Config{
		SigningMethod: token.MethodHS256,
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "sentinel-test",
		Audience:      "sentinel-api",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    720 * time.Hour,
	}, &mapBlacklist{jtis: make(map[string]struct{})}, clock)
	if err != nil {
		t.Fatalf("token service failed: %v", err)
	}

	return &fixture{
		manager: NewManager(cfg, cache, store, tokens, clock, zap.NewNop()),
		cache:   cache,
		store:   store,
		clock:   clock,
	}
}

func testIdentity(id string) *storage.IdentityRecord {
	return &storage.IdentityRecord{
		ID:       id,
		TenantID: "acme",
		Email:    id + "@example.com",
		IsActive: true,
	}
}

func TestCreateAndValidate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "laptop")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.Degraded {
		t.Fatal("healthy cache must not report degraded")
	}
	if sess.Fingerprint != Fingerprint("10.0.0.1", "tests/1.0") {
		t.Fatalf("fingerprint mismatch: %q", sess.Fingerprint)
	}

	got, ok, err := f.manager.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !ok {
		t.Fatal("fresh session must validate")
	}
	if got.ID != sess.ID || got.UserID != "user-1" {
		t.Fatalf("validated wrong session: %+v", got)
	}
	if got.AccessCount < 1 {
		t.Fatalf("access count not bumped: %d", got.AccessCount)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	f := newFixture(t, Config{})

	_, ok, err := f.manager.Validate(context.Background(), "not-a-token")
	if err != nil {
		t.Fatalf("garbage token must be an expected failure, got %v", err)
	}
	if ok {
		t.Fatal("garbage token validated")
	}
}

func TestSessionCapEvictsLeastRecentlyActive(t *testing.T) {
	f := newFixture(t, Config{MaxSessionsPerUser: 3})
	ctx := context.Background()
	identity := testIdentity("user-1")

	var pairs []*TokenPair
	var ids []string
	for i := 0; i < 3; i++ {
		pair, sess, err := f.manager.Create(ctx, identity, "10.0.0.1", "tests/1.0", "")
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		pairs = append(pairs, pair)
		ids = append(ids, sess.ID)
		f.clock.Advance(time.Minute)
	}

	// Touch the oldest session so the second-oldest becomes the eviction
	// candidate.
	if _, ok, err := f.manager.Validate(ctx, pairs[0].AccessToken); err != nil || !ok {
		t.Fatalf("touch validate failed: ok=%v err=%v", ok, err)
	}
	f.clock.Advance(time.Minute)

	if _, _, err := f.manager.Create(ctx, identity, "10.0.0.1", "tests/1.0", ""); err != nil {
		t.Fatalf("Create past cap failed: %v", err)
	}

	evicted, err := f.manager.SessionByID(ctx, ids[1])
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if evicted.IsActive || evicted.RevokedReason != ReasonSessionLimit {
		t.Fatalf("expected %s revoked with session_limit, got %+v", ids[1], evicted)
	}

	for _, id := range []string{ids[0], ids[2]} {
		sess, err := f.manager.SessionByID(ctx, id)
		if err != nil {
			t.Fatalf("SessionByID failed: %v", err)
		}
		if !sess.IsActive {
			t.Fatalf("session %s wrongly evicted", id)
		}
	}
}

func TestRefreshKeepsFamilyAndRotatesTokens(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	family := sess.FamilyID

	current := pair
	for i := 0; i < 3; i++ {
		next, nextSess, err := f.manager.Refresh(ctx, current.RefreshToken, false)
		if err != nil {
			t.Fatalf("Refresh %d failed: %v", i, err)
		}
		if nextSess.ID != sess.ID {
			t.Fatalf("refresh changed session id: %s -> %s", sess.ID, nextSess.ID)
		}
		if nextSess.FamilyID != family {
			t.Fatalf("refresh changed family: %s -> %s", family, nextSess.FamilyID)
		}
		if next.RefreshToken == current.RefreshToken {
			t.Fatal("refresh token not rotated")
		}
		current = next
	}

	// The pre-rotation access token is blacklisted.
	if _, ok, err := f.manager.Validate(ctx, pair.AccessToken); err != nil || ok {
		t.Fatalf("rotated-out access token still valid: ok=%v err=%v", ok, err)
	}
	if _, ok, err := f.manager.Validate(ctx, current.AccessToken); err != nil || !ok {
		t.Fatalf("current access token rejected: ok=%v err=%v", ok, err)
	}
}

func TestRefreshReuseRevokesWholeFamily(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rotated, _, err := f.manager.Refresh(ctx, pair.RefreshToken, false)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Replaying the rotated-out token trips reuse detection.
	if _, _, err := f.manager.Refresh(ctx, pair.RefreshToken, false); !errors.Is(err, ErrTokenReuse) {
		t.Fatalf("err = %v, want ErrTokenReuse", err)
	}

	got, err := f.manager.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if got.IsActive || got.RevokedReason != ReasonReuse {
		t.Fatalf("family not revoked with reuse reason: %+v", got)
	}

	// The legitimately rotated token is dead too.
	if _, _, err := f.manager.Refresh(ctx, rotated.RefreshToken, false); err == nil {
		t.Fatal("token from revoked family still refreshes")
	}
	if _, ok, err := f.manager.Validate(ctx, rotated.AccessToken); err != nil || ok {
		t.Fatalf("access token from revoked family still valid: ok=%v err=%v", ok, err)
	}
}

func TestRefreshExtendTTL(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f.clock.Advance(48 * time.Hour)

	_, extended, err := f.manager.Refresh(ctx, pair.RefreshToken, true)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !extended.ExpiresAt.After(sess.ExpiresAt) {
		t.Fatalf("extendTTL did not push expiry: %v -> %v", sess.ExpiresAt, extended.ExpiresAt)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := f.manager.Revoke(ctx, sess.ID, ReasonLogout); err != nil {
		t.Fatalf("first Revoke failed: %v", err)
	}
	if err := f.manager.Revoke(ctx, sess.ID, ReasonAdmin); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}

	got, err := f.manager.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if got.RevokedReason != ReasonLogout {
		t.Fatalf("second revoke overwrote the reason: %q", got.RevokedReason)
	}
}

func TestCreateDegradesWhenCacheDown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.cache.SetFailing(true)

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create must survive a cache outage, got %v", err)
	}
	if !sess.Degraded {
		t.Fatal("cache outage not reported as degraded")
	}

	// Reads are served by the durable store.
	got, ok, err := f.manager.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed during outage: %v", err)
	}
	if !ok || got.ID != sess.ID {
		t.Fatalf("durable fallback did not serve the session: ok=%v", ok)
	}
}

func TestRevokeAllForUserSparesException(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	identity := testIdentity("user-1")

	var ids []string
	for i := 0; i < 3; i++ {
		_, sess, err := f.manager.Create(ctx, identity, "10.0.0.1", "tests/1.0", "")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, sess.ID)
	}

	n, err := f.manager.RevokeAllForUser(ctx, "acme", "user-1", ids[2], ReasonPasswordReset)
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked %d sessions, want 2", n)
	}

	kept, err := f.manager.SessionByID(ctx, ids[2])
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if !kept.IsActive {
		t.Fatal("excepted session was revoked")
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, _, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.manager.Refresh(ctx, pair.RefreshToken, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, reuses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenReuse):
			reuses++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if wins != 1 || reuses != 1 {
		t.Fatalf("wins=%d reuses=%d, want exactly one of each", wins, reuses)
	}
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f.clock.Advance(721 * time.Hour)

	n, err := f.manager.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d sessions, want 1", n)
	}

	got, err := f.manager.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if got.IsActive || got.RevokedReason != ReasonExpired {
		t.Fatalf("session not marked expired: %+v", got)
	}
}

func TestMigrateToSSO(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, sess, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := f.manager.MigrateToSSO(ctx, sess.ID, "okta", map[string]string{"sub": "okta|123"}); err != nil {
		t.Fatalf("MigrateToSSO failed: %v", err)
	}

	got, ok, err := f.manager.Validate(ctx, pair.AccessToken)
	if err != nil || !ok {
		t.Fatalf("token identity must survive SSO migration: ok=%v err=%v", ok, err)
	}
	if got.SSOProvider != "okta" || got.SSOData["sub"] != "okta|123" {
		t.Fatalf("SSO metadata missing: %+v", got)
	}
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, s1, err := f.manager.Create(ctx, testIdentity("user-1"), "10.0.0.1", "tests/1.0", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := f.manager.Create(ctx, testIdentity("user-2"), "10.0.0.2", "tests/1.0", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.manager.MigrateToSSO(ctx, s1.ID, "okta", nil); err != nil {
		t.Fatalf("MigrateToSSO failed: %v", err)
	}

	a, err := f.manager.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if a.TotalActive != 2 {
		t.Fatalf("TotalActive = %d, want 2", a.TotalActive)
	}
	if a.ByType["sso"] != 1 || a.ByType["password"] != 1 {
		t.Fatalf("ByType = %v", a.ByType)
	}
}
