// Package memory provides in-memory implementations of the storage
// collaborators. They are deterministic (expiry is driven by the injected
// Clock, not the wall clock) and safe for concurrent use, which makes unit
// tests of the core run without Redis, Postgres, or an object store.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelauth/sentinel/storage"
)

// Clock is a settable clock for expiry tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Cache is an in-memory storage.Cache. A Fail switch simulates outages so
// degraded-mode paths can be exercised.
type Cache struct {
	clock storage.Clock

	mu      sync.Mutex
	values  map[string]entry
	sets    map[string]map[string]struct{}
	sorted  map[string]map[string]float64
	locks   map[string]lockEntry
	failing bool
}

// NewCache returns an empty cache driven by clock.
func NewCache(clock storage.Clock) *Cache {
	if clock == nil {
		clock = storage.SystemClock()
	}
	return &Cache{
		clock:  clock,
		values: make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		sorted: make(map[string]map[string]float64),
		locks:  make(map[string]lockEntry),
	}
}

// SetFailing makes every subsequent call return storage.ErrUnavailable.
func (c *Cache) SetFailing(failing bool) {
	c.mu.Lock()
	c.failing = failing
	c.mu.Unlock()
}

func (c *Cache) check() error {
	if c.failing {
		return storage.ErrUnavailable
	}
	return nil
}

func (c *Cache) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt)
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	e, ok := c.values[key]
	if !ok || c.expired(e) {
		delete(c.values, key)
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.values[key] = e
	return nil
}

func (c *Cache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(c.values, key)
	}
	return nil
}

func (c *Cache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	e, ok := c.values[key]
	if !ok || c.expired(e) {
		return storage.ErrNotFound
	}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	c.values[key] = e
	return nil
}

func (c *Cache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	e, ok := c.values[key]
	if !ok || c.expired(e) {
		return 0, storage.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(c.clock.Now()), nil
}

func (c *Cache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	e, ok := c.values[key]
	var n int64
	if ok && !c.expired(e) {
		for _, b := range e.value {
			if b < '0' || b > '9' {
				n = 0
				break
			}
			n = n*10 + int64(b-'0')
		}
	}
	n++
	c.values[key] = entry{value: []byte(itoa(n)), expiresAt: e.expiresAt}
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (c *Cache) SetAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{})
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *Cache) SetRemove(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	s, ok := c.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	if len(s) == 0 {
		delete(c.sets, key)
	}
	return nil
}

func (c *Cache) SetMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}

func (c *Cache) SortedAdd(_ context.Context, key, member string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	z, ok := c.sorted[key]
	if !ok {
		z = make(map[string]float64)
		c.sorted[key] = z
	}
	z[member] = score
	return nil
}

func (c *Cache) SortedRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	z := c.sorted[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(z))
	for m, s := range z {
		if s >= min && s <= max {
			pairs = append(pairs, pair{m, s})
		}
	}
	// insertion sort by score; fake-sized inputs only
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].score < pairs[j-1].score; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (c *Cache) SortedRemove(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	z, ok := c.sorted[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(c.sorted, key)
	}
	return nil
}

func (c *Cache) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	var out []string
	for k, e := range c.values {
		if strings.HasPrefix(k, prefix) && !c.expired(e) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c *Cache) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return "", false, err
	}
	now := c.clock.Now()
	if l, ok := c.locks[key]; ok && now.Before(l.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (c *Cache) ReleaseLock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if l, ok := c.locks[key]; ok && l.token == token {
		delete(c.locks, key)
	}
	return nil
}

func (c *Cache) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check()
}
