// Package audit implements the tamper-evident audit log. Every entry's hash
// covers its canonical fields plus the previous entry's hash, so each
// tenant's log forms one strictly ordered chain. Entries buffer in memory and
// flush in batches; high-severity entries flush synchronously.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/storage"
)

// Severity levels, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// chainVersion is prefixed into every hash input. Changing the canonical
// field order or encoding requires bumping it: all prior chains verify under
// the version they were written with.
const chainVersion = byte(1)

var (
	// ErrInvalidEntry is returned by Log for malformed input.
	ErrInvalidEntry = errors.New("audit: invalid entry")
	// ErrClosed is returned by Log after Close.
	ErrClosed = errors.New("audit: chain closed")
)

// Entry is the caller-supplied part of an audit event.
type Entry struct {
	EventType    string
	TenantID     string
	IdentityID   string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IP           string
	UserAgent    string
	Severity     string
}

// Config tunes buffering and archival.
type Config struct {
	// BufferSize flushes the whole buffer when reached. Default 100.
	BufferSize int
	// FlushSeverity is the minimum severity that forces a synchronous flush
	// of the buffer. Default high.
	FlushSeverity string
	// FlushInterval drives the background flusher. Default 5s.
	FlushInterval time.Duration
	// ExportURLTTL bounds how long an export download URL stays valid.
	// Default 15m.
	ExportURLTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if _, ok := severityRank[c.FlushSeverity]; !ok {
		c.FlushSeverity = SeverityHigh
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.ExportURLTTL <= 0 {
		c.ExportURLTTL = 15 * time.Minute
	}
	return c
}

type archiveBatch struct {
	tenantID string
	date     string
	entries  []*storage.AuditRecord
}

// Chain is the audit log writer and verifier. Safe for concurrent use. The
// background flusher must be started with Start and stopped with Close;
// Close drains and flushes the buffer before returning.
type Chain struct {
	cfg     Config
	durable storage.DurableStore
	objects storage.ObjectStore
	clock   storage.Clock
	log     *zap.Logger

	// tenantLocks serializes the read-tail/compute-hash/append critical
	// section per tenant. Without it two concurrent writers could chain onto
	// the same previous hash and fork the log silently.
	tenantMu    sync.Mutex
	tenantLocks map[string]*sync.Mutex

	// tailsMu guards the tails map itself. The per-tenant lock serializes
	// one tenant's chain extension, but writers for different tenants reach
	// the map concurrently.
	tailsMu sync.Mutex
	tails   map[string]string

	bufMu  sync.Mutex
	buffer []*storage.AuditRecord

	archMu  sync.Mutex
	pending []archiveBatch

	flushMu  sync.Mutex
	flushCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	closeOnce sync.Once

	requeued    atomic.Uint64
	flushErrors atomic.Uint64
}

// NewChain wires a chain. objects may be nil, which disables archival and
// export. log may be nil.
func NewChain(cfg Config, durable storage.DurableStore, objects storage.ObjectStore, clock storage.Clock, log *zap.Logger) *Chain {
	if clock == nil {
		clock = storage.SystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{
		cfg:         cfg.withDefaults(),
		durable:     durable,
		objects:     objects,
		clock:       clock,
		log:         log,
		tenantLocks: make(map[string]*sync.Mutex),
		tails:       make(map[string]string),
		flushCh:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the background flusher. Calling Start twice is a no-op.
func (c *Chain) Start() {
	if c.started.Swap(true) {
		return
	}
	c.wg.Add(1)
	go c.run()
}

// Close stops the flusher, drains the buffer, and flushes what remains.
func (c *Chain) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.started.Load() {
			close(c.done)
			c.wg.Wait()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			c.log.Error("final audit flush failed", zap.Error(err))
		}
	})
}

func (c *Chain) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-c.flushCh:
		case <-c.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
		if err := c.Flush(ctx); err != nil {
			c.log.Warn("audit flush failed, entries requeued", zap.Error(err))
		}
		cancel()
	}
}

func (c *Chain) lockTenant(tenantID string) *sync.Mutex {
	c.tenantMu.Lock()
	defer c.tenantMu.Unlock()
	mu, ok := c.tenantLocks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		c.tenantLocks[tenantID] = mu
	}
	return mu
}

// Log appends an entry to the tenant's chain and returns its event id. The
// id is returned as soon as the entry is chained and buffered; durability
// follows per the flush policy. A severity at or above Config.FlushSeverity
// triggers a synchronous flush attempt before returning.
func (c *Chain) Log(ctx context.Context, e Entry) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if e.EventType == "" || e.TenantID == "" {
		return "", ErrInvalidEntry
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if _, ok := severityRank[e.Severity]; !ok {
		return "", ErrInvalidEntry
	}

	rec := &storage.AuditRecord{
		EventID:      uuid.NewString(),
		EventType:    e.EventType,
		TenantID:     e.TenantID,
		IdentityID:   e.IdentityID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		Severity:     e.Severity,
		Timestamp:    c.clock.Now().UTC(),
	}

	mu := c.lockTenant(e.TenantID)
	mu.Lock()
	prev, err := c.tailHash(ctx, e.TenantID)
	if err != nil {
		mu.Unlock()
		return "", err
	}
	rec.PreviousHash = prev
	rec.Hash = computeHash(rec)
	c.storeTail(e.TenantID, rec.Hash)

	c.bufMu.Lock()
	c.buffer = append(c.buffer, rec)
	depth := len(c.buffer)
	c.bufMu.Unlock()
	mu.Unlock()

	if severityRank[e.Severity] >= severityRank[c.cfg.FlushSeverity] {
		if err := c.Flush(ctx); err != nil {
			// Entry stays requeued; the id is still valid.
			c.log.Warn("severity-triggered audit flush failed",
				zap.String("event_type", e.EventType), zap.Error(err))
		}
	} else if depth >= c.cfg.BufferSize {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return rec.EventID, nil
}

// tailHash returns the tenant's current chain tail: the most recent buffered
// entry if present, else the durable store's latest hash. Caller holds the
// tenant lock.
func (c *Chain) tailHash(ctx context.Context, tenantID string) (string, error) {
	if tail, ok := c.loadTail(tenantID); ok {
		return tail, nil
	}
	tail, err := c.durable.LatestAuditHash(ctx, tenantID)
	if err != nil {
		return "", err
	}
	c.storeTail(tenantID, tail)
	return tail, nil
}

func (c *Chain) loadTail(tenantID string) (string, bool) {
	c.tailsMu.Lock()
	defer c.tailsMu.Unlock()
	tail, ok := c.tails[tenantID]
	return tail, ok
}

func (c *Chain) storeTail(tenantID, hash string) {
	c.tailsMu.Lock()
	c.tails[tenantID] = hash
	c.tailsMu.Unlock()
}

// Flush durably persists the buffered entries as one transactional batch,
// then archives them to cold storage. On a durable failure the batch is
// requeued at the front of the buffer; nothing is dropped silently.
// Archival failures never roll back the durable write.
func (c *Chain) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.bufMu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.bufMu.Unlock()

	if len(batch) > 0 {
		if err := c.durable.AppendAudit(ctx, batch); err != nil {
			c.bufMu.Lock()
			c.buffer = append(batch, c.buffer...)
			c.bufMu.Unlock()
			c.requeued.Add(uint64(len(batch)))
			c.flushErrors.Add(1)
			return err
		}
		c.queueArchives(batch)
	}

	c.archivePending(ctx)
	return nil
}

// queueArchives groups a flushed batch by (tenant, date) for cold storage.
func (c *Chain) queueArchives(batch []*storage.AuditRecord) {
	if c.objects == nil {
		return
	}
	grouped := make(map[string]*archiveBatch)
	var order []string
	for _, rec := range batch {
		date := rec.Timestamp.Format("2006-01-02")
		key := rec.TenantID + "/" + date
		g, ok := grouped[key]
		if !ok {
			g = &archiveBatch{tenantID: rec.TenantID, date: date}
			grouped[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, rec)
	}
	c.archMu.Lock()
	for _, key := range order {
		c.pending = append(c.pending, *grouped[key])
	}
	c.archMu.Unlock()
}

// archivePending writes queued archive batches to the object store.
// Best-effort: failed batches stay queued for the next flush.
func (c *Chain) archivePending(ctx context.Context) {
	if c.objects == nil {
		return
	}
	c.archMu.Lock()
	pending := c.pending
	c.pending = nil
	c.archMu.Unlock()

	var remaining []archiveBatch
	for _, batch := range pending {
		data, err := marshalExport(batch.entries)
		if err != nil {
			c.log.Error("audit archive marshal failed", zap.Error(err))
			continue
		}
		key := "audit/" + batch.tenantID + "/" + batch.date + "/" + uuid.NewString() + ".json"
		err = c.objects.Put(ctx, key, data, "application/json", map[string]string{
			"tenant": batch.tenantID,
			"date":   batch.date,
			"count":  strconv.Itoa(len(batch.entries)),
		})
		if err != nil {
			c.log.Warn("audit archive write failed, will retry",
				zap.String("tenant_id", batch.tenantID),
				zap.String("date", batch.date),
				zap.Error(err))
			remaining = append(remaining, batch)
		}
	}
	if len(remaining) > 0 {
		c.archMu.Lock()
		c.pending = append(remaining, c.pending...)
		c.archMu.Unlock()
	}
}

// BufferDepth returns the number of unflushed entries.
func (c *Chain) BufferDepth() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.buffer)
}

// Requeued returns how many entries have been requeued after failed flushes.
func (c *Chain) Requeued() uint64 { return c.requeued.Load() }

// FlushErrors returns how many flush attempts failed.
func (c *Chain) FlushErrors() uint64 { return c.flushErrors.Load() }

// computeHash returns the hex SHA-256 over the canonical byte encoding of
// rec. Canonical order (versioned, see chainVersion):
//
//	event_id, event_type, tenant_id, identity_id, resource_type,
//	resource_id, details (JSON, sorted keys), ip_address, user_agent,
//	severity, timestamp (RFC3339Nano UTC), previous_hash
//
// joined by 0x0a, prefixed with the version byte.
func computeHash(rec *storage.AuditRecord) string {
	var details []byte
	if rec.Details != nil {
		// encoding/json sorts map keys, which is exactly the determinism
		// the chain needs.
		details, _ = json.Marshal(rec.Details)
	}

	h := sha256.New()
	h.Write([]byte{chainVersion})
	for _, field := range []string{
		rec.EventID,
		rec.EventType,
		rec.TenantID,
		rec.IdentityID,
		rec.ResourceType,
		rec.ResourceID,
		string(details),
		rec.IP,
		rec.UserAgent,
		rec.Severity,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.PreviousHash,
	} {
		h.Write([]byte(field))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
