// Package password provides one-way password hashing and strength policy
// enforcement. Hashing is bcrypt with a configurable cost; the CPU-bound work
// runs inside a bounded worker pool so it cannot stall the caller's scheduler.
package password

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Config controls hashing cost and pool size.
type Config struct {
	// Cost is the bcrypt cost factor. Stored hashes carry their own cost, so
	// raising it only affects new hashes.
	Cost int
	// PoolSize bounds how many hash computations run concurrently.
	PoolSize int
}

// Hasher hashes and verifies passwords.
type Hasher struct {
	cost       int
	pool       *semaphore.Weighted
	onPoolWait func(time.Duration)
}

// OnPoolWait registers a hook fired with the time an operation waited for a
// pool slot. Set it before the Hasher sees concurrent use.
func (h *Hasher) OnPoolWait(fn func(time.Duration)) { h.onPoolWait = fn }

func (h *Hasher) acquire(ctx context.Context) error {
	start := time.Now()
	if err := h.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	if h.onPoolWait != nil {
		h.onPoolWait(time.Since(start))
	}
	return nil
}

// NewHasher validates cfg and returns a Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Cost < bcrypt.MinCost || cfg.Cost > bcrypt.MaxCost {
		return nil, errors.New("password cost out of range")
	}
	if cfg.Cost < 10 {
		return nil, errors.New("password cost must be >= 10")
	}
	if cfg.PoolSize <= 0 {
		return nil, errors.New("password pool size must be >= 1")
	}
	return &Hasher{
		cost: cfg.Cost,
		pool: semaphore.NewWeighted(int64(cfg.PoolSize)),
	}, nil
}

// Hash returns the bcrypt hash of password in bcrypt's standard storage
// format (algorithm id, cost, salt, and digest in one string). It blocks
// while the pool is saturated and honors ctx cancellation while waiting.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.pool.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches the stored hash. The comparison is
// constant-time. A malformed hash is an error, not a mismatch.
func (h *Hasher) Verify(ctx context.Context, password, encodedHash string) (bool, error) {
	if err := h.acquire(ctx); err != nil {
		return false, err
	}
	defer h.pool.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// Burn performs a verification against a throwaway hash. Callers use it to
// keep the unknown-account path time-comparable to the wrong-password path.
func (h *Hasher) Burn(ctx context.Context, password string) {
	_, _ = h.Verify(ctx, password, burnHash)
}

// A fixed bcrypt hash of an unguessable random string, cost 10.
const burnHash = "$2a$10$N9qo8uLOickgx2ZMRZoMye1J1fGbTqZsLWdGBVJKxQ1K7sPOXxO1u"
