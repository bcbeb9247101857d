package password

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(Config{Cost: 10, PoolSize: 2})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Correct-Horse-Battery-9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("unexpected hash format: %q", hash)
	}

	ok, err := h.Verify(ctx, "Correct-Horse-Battery-9!", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("correct password rejected")
	}
}

func TestVerifyWrongPassword(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Correct-Horse-Battery-9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	ok, err := h.Verify(ctx, "wrong-password-entirely", hash)
	if err != nil {
		t.Fatalf("Verify returned error for mismatch: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestPoolWaitHook(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	var calls int
	var waited time.Duration
	h.OnPoolWait(func(d time.Duration) {
		calls++
		waited += d
	})

	hash, err := h.Hash(ctx, "Correct-Horse-Battery-9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if _, err := h.Verify(ctx, "Correct-Horse-Battery-9!", hash); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if calls != 2 {
		t.Fatalf("hook fired %d times, want 2", calls)
	}
	if waited < 0 {
		t.Fatalf("negative wait total %v", waited)
	}
}

func TestVerifyGarbageHash(t *testing.T) {
	h := newTestHasher(t)

	ok, err := h.Verify(context.Background(), "anything", "not-a-bcrypt-hash")
	if err == nil {
		t.Fatal("expected error for malformed hash")
	}
	if ok {
		t.Fatal("malformed hash accepted")
	}
}

func TestNewHasherRejectsLowCost(t *testing.T) {
	if _, err := NewHasher(Config{Cost: 4}); err == nil {
		t.Fatal("expected error for cost below minimum")
	}
}

func TestHashHonorsCancelledContext(t *testing.T) {
	h := newTestHasher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Hash(ctx, "whatever"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestValidateStrength(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"strong", "Tr1cky&Uncommon#Phrase", true},
		{"too short", "Ab1!xyzq", false},
		{"no upper", "tr1cky&uncommon#phrase", false},
		{"no digit", "Tricky&Uncommon#Phrase", false},
		{"no special", "Tr1ckyUncommonPhrase9", false},
		{"common", "Password123!", false},
		{"repeated run", "Aaaab1!longenoughXY", false},
		{"ascending run", "Abcd1!longenoughXY9z", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := ValidateStrength(tc.password)
			if ok != tc.ok {
				t.Fatalf("ValidateStrength(%q) = %v (%s), want %v", tc.password, ok, reason, tc.ok)
			}
			if !ok && reason == "" {
				t.Fatal("rejection must carry a reason")
			}
		})
	}
}
