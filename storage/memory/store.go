package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinelauth/sentinel/storage"
)

// Store is an in-memory storage.DurableStore.
type Store struct {
	mu         sync.Mutex
	identities map[string]*storage.IdentityRecord
	sessions   map[string]*storage.SessionRecord
	audit      []*storage.AuditRecord
	failing    bool
}

// NewStore returns an empty durable-store fake.
func NewStore() *Store {
	return &Store{
		identities: make(map[string]*storage.IdentityRecord),
		sessions:   make(map[string]*storage.SessionRecord),
	}
}

// SetFailing makes every subsequent call return storage.ErrUnavailable.
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *Store) check() error {
	if s.failing {
		return storage.ErrUnavailable
	}
	return nil
}

func cloneIdentity(r *storage.IdentityRecord) *storage.IdentityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func cloneAudit(r *storage.AuditRecord) *storage.AuditRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Details != nil {
		cp.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

func (s *Store) CreateIdentity(_ context.Context, rec *storage.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, existing := range s.identities {
		if existing.TenantID == rec.TenantID && strings.EqualFold(existing.Email, rec.Email) {
			return storage.ErrDuplicate
		}
	}
	s.identities[rec.ID] = cloneIdentity(rec)
	return nil
}

func (s *Store) IdentityByEmail(_ context.Context, tenantID, email string) (*storage.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, rec := range s.identities {
		if rec.TenantID == tenantID && strings.EqualFold(rec.Email, email) {
			return cloneIdentity(rec), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) IdentityByID(_ context.Context, id string) (*storage.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, ok := s.identities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneIdentity(rec), nil
}

func (s *Store) UpdateIdentity(_ context.Context, rec *storage.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.identities[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	s.identities[rec.ID] = cloneIdentity(rec)
	return nil
}

func (s *Store) CreateSession(_ context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.sessions[rec.ID]; ok {
		return storage.ErrDuplicate
	}
	s.sessions[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) SessionByID(_ context.Context, id string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) SessionByAccessJTI(_ context.Context, jti string) (*storage.SessionRecord, error) {
	return s.sessionWhere(func(r *storage.SessionRecord) bool { return r.AccessJTI == jti })
}

func (s *Store) SessionByRefreshJTI(_ context.Context, jti string) (*storage.SessionRecord, error) {
	return s.sessionWhere(func(r *storage.SessionRecord) bool { return r.RefreshJTI == jti })
}

func (s *Store) sessionWhere(match func(*storage.SessionRecord) bool) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, rec := range s.sessions {
		if match(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SessionsByFamily(_ context.Context, familyID string) ([]*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*storage.SessionRecord
	for _, rec := range s.sessions {
		if rec.FamilyID == familyID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) SessionsByUser(_ context.Context, tenantID, userID string, activeOnly bool) ([]*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*storage.SessionRecord
	for _, rec := range s.sessions {
		if rec.TenantID != tenantID || rec.UserID != userID {
			continue
		}
		if activeOnly && !rec.IsActive {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSession(_ context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.sessions[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	s.sessions[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) AppendAudit(_ context.Context, entries []*storage.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, e := range entries {
		s.audit = append(s.audit, cloneAudit(e))
	}
	return nil
}

func (s *Store) LatestAuditHash(_ context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	var (
		latest *storage.AuditRecord
	)
	for _, e := range s.audit {
		if e.TenantID != tenantID {
			continue
		}
		if latest == nil || e.Timestamp.After(latest.Timestamp) {
			latest = e
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.Hash, nil
}

func (s *Store) AuditRange(_ context.Context, tenantID string, start, end time.Time) ([]*storage.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*storage.AuditRecord
	for _, e := range s.audit {
		if e.TenantID != tenantID {
			continue
		}
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		out = append(out, cloneAudit(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// MutateAudit edits one stored audit row in place. Test hook for integrity
// verification; nothing in the core calls it.
func (s *Store) MutateAudit(index int, mutate func(*storage.AuditRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.audit) {
		mutate(s.audit[index])
	}
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

// Objects is an in-memory storage.ObjectStore.
type Objects struct {
	mu      sync.Mutex
	objects map[string]Object
	failing bool
}

// Object is a stored blob plus its metadata.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// NewObjects returns an empty object-store fake.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string]Object)}
}

// SetFailing makes every subsequent call return storage.ErrUnavailable.
func (o *Objects) SetFailing(failing bool) {
	o.mu.Lock()
	o.failing = failing
	o.mu.Unlock()
}

func (o *Objects) Put(_ context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failing {
		return storage.ErrUnavailable
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	o.objects[key] = Object{Data: stored, ContentType: contentType, Metadata: meta}
	return nil
}

func (o *Objects) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failing {
		return "", storage.ErrUnavailable
	}
	if _, ok := o.objects[key]; !ok {
		return "", storage.ErrNotFound
	}
	return "memory://" + key + "?expires=" + expiry.String(), nil
}

func (o *Objects) Ping(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failing {
		return storage.ErrUnavailable
	}
	return nil
}

// Get returns a stored object and whether it exists. Test hook.
func (o *Objects) Get(key string) (Object, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	return obj, ok
}

// Keys returns the stored object keys. Test hook.
func (o *Objects) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
