package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentinelauth/sentinel/storage/memory"
)

type mapBlacklist struct {
	mu   sync.Mutex
	jtis map[string]struct{}
	fail bool
}

func newMapBlacklist() *mapBlacklist {
	return &mapBlacklist{jtis: make(map[string]struct{})}
}

func (b *mapBlacklist) Revoke(_ context.Context, jti string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("blacklist down")
	}
	b.jtis[jti] = struct{}{}
	return nil
}

func (b *mapBlacklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return false, errors.New("blacklist down")
	}
	_, ok := b.jtis[jti]
	return ok, nil
}

func testConfig() Config {
	return Config{
		SigningMethod: MethodHS256,
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "sentinel-test",
		Audience:      "sentinel-api",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    30 * 24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *mapBlacklist, *memory.Clock) {
	t.Helper()
	clock := memory.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bl := newMapBlacklist()
	svc, err := NewService(testConfig(), bl, clock)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, bl, clock
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, jti, exp, err := svc.CreateAccessToken("user-1", "acme", map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}
	if jti == "" {
		t.Fatal("empty jti")
	}
	if want := clock.Now().Add(15 * time.Minute); !exp.Equal(want) {
		t.Fatalf("expiry = %v, want %v", exp, want)
	}

	claims, err := svc.Verify(ctx, tok, TypeAccess)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "acme" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.Type != TypeAccess || claims.ID != jti {
		t.Fatalf("type/jti mismatch: %+v", claims)
	}
	if claims.Extra["plan"] != "pro" {
		t.Fatalf("extra claims lost: %+v", claims.Extra)
	}
}

func TestRefreshTokenFamily(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, _, family, _, err := svc.CreateRefreshToken("user-1", "acme", "")
	if err != nil {
		t.Fatalf("CreateRefreshToken failed: %v", err)
	}
	if family == "" {
		t.Fatal("new refresh token must start a family")
	}

	claims, err := svc.Verify(ctx, tok, TypeRefresh)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.FamilyID != family {
		t.Fatalf("fam claim = %q, want %q", claims.FamilyID, family)
	}

	// Rotation reuses the lineage.
	_, _, family2, _, err := svc.CreateRefreshToken("user-1", "acme", family)
	if err != nil {
		t.Fatalf("rotation mint failed: %v", err)
	}
	if family2 != family {
		t.Fatalf("rotation changed the family: %q -> %q", family, family2)
	}
}

func TestVerifyRejectsWrongType(t *testing.T) {
	svc, _, _ := newTestService(t)

	tok, _, _, err := svc.CreateAccessToken("user-1", "acme", nil)
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}
	if _, err := svc.Verify(context.Background(), tok, TypeRefresh); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc, _, _ := newTestService(t)

	tok, _, _, err := svc.CreateAccessToken("user-1", "acme", nil)
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	if _, err := svc.Verify(context.Background(), tampered, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc, _, clock := newTestService(t)

	tok, _, _, err := svc.CreateAccessToken("user-1", "acme", nil)
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := svc.Verify(context.Background(), tok, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyRevokedReturnsClaims(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, jti, family, _, err := svc.CreateRefreshToken("user-1", "acme", "")
	if err != nil {
		t.Fatalf("CreateRefreshToken failed: %v", err)
	}
	if err := svc.Revoke(ctx, jti, time.Hour); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	claims, err := svc.Verify(ctx, tok, TypeRefresh)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
	if claims == nil || claims.FamilyID != family {
		t.Fatalf("revoked verification must still decode claims, got %+v", claims)
	}
}

func TestVerifyFailsClosedOnBlacklistOutage(t *testing.T) {
	svc, bl, _ := newTestService(t)

	tok, _, _, err := svc.CreateAccessToken("user-1", "acme", nil)
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}

	bl.fail = true
	if _, err := svc.Verify(context.Background(), tok, TypeAccess); err == nil {
		t.Fatal("expected error when the blacklist is unreachable")
	}
}

func TestNewServiceValidation(t *testing.T) {
	clock := memory.NewClock(time.Now())
	bl := newMapBlacklist()

	cfg := testConfig()
	cfg.Secret = []byte("short")
	if _, err := NewService(cfg, bl, clock); err == nil {
		t.Fatal("expected error for short secret")
	}

	cfg = testConfig()
	cfg.AccessTTL = cfg.RefreshTTL
	if _, err := NewService(cfg, bl, clock); err == nil {
		t.Fatal("expected error for access TTL >= refresh TTL")
	}
}
