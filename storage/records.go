package storage

import "time"

// IdentityRecord is a stored identity row. Email is unique per tenant.
// Rows are soft state: suspension and deactivation flip flags, nothing
// deletes the row synchronously.
type IdentityRecord struct {
	ID            string
	TenantID      string
	Email         string
	Name          string
	PasswordHash  string
	IsActive      bool
	IsSuspended   bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionRecord is a stored session row. AccessJTI and RefreshJTI are unique
// across the system and map to exactly one session at a time; FamilyID groups
// every refresh token ever issued in one continuous lineage. Revoked and
// expired rows are retained for forensics.
type SessionRecord struct {
	ID             string
	TenantID       string
	UserID         string
	AccessJTI      string
	RefreshJTI     string
	FamilyID       string
	Fingerprint    string
	IP             string
	UserAgent      string
	DeviceInfo     string
	SSOProvider    string
	SSOData        map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	IsActive       bool
	RevokedReason  string
}

// Clone returns a deep copy so cached and in-flight views never alias.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.SSOData != nil {
		cp.SSOData = make(map[string]string, len(r.SSOData))
		for k, v := range r.SSOData {
			cp.SSOData[k] = v
		}
	}
	return &cp
}

// AuditRecord is a stored audit log row. Append-only: never mutated, never
// deleted. Hash covers the canonical fields plus PreviousHash, which is ""
// for the first entry of a tenant.
type AuditRecord struct {
	EventID      string
	EventType    string
	TenantID     string
	IdentityID   string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IP           string
	UserAgent    string
	Severity     string
	Timestamp    time.Time
	PreviousHash string
	Hash         string
}
