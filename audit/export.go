package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelauth/sentinel/storage"
)

// ErrUnsupportedFormat is returned by Export for formats other than json.
var ErrUnsupportedFormat = errors.New("audit: unsupported export format")

// ErrNoObjectStore is returned by Export when no object store is configured.
var ErrNoObjectStore = errors.New("audit: no object store configured")

// exportRecord fixes the export field order. Nullable fields marshal as
// null, not empty strings, so exports round-trip cleanly through tooling
// that distinguishes the two.
type exportRecord struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	IdentityID   *string        `json:"identity_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	IP           string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Severity     string         `json:"severity"`
	Timestamp    time.Time      `json:"timestamp"`
	PreviousHash *string        `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

func marshalExport(entries []*storage.AuditRecord) ([]byte, error) {
	out := make([]exportRecord, 0, len(entries))
	for _, rec := range entries {
		er := exportRecord{
			EventID:      rec.EventID,
			EventType:    rec.EventType,
			TenantID:     rec.TenantID,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			Details:      rec.Details,
			IP:           rec.IP,
			UserAgent:    rec.UserAgent,
			Severity:     rec.Severity,
			Timestamp:    rec.Timestamp.UTC(),
			Hash:         rec.Hash,
		}
		if rec.IdentityID != "" {
			id := rec.IdentityID
			er.IdentityID = &id
		}
		if rec.PreviousHash != "" {
			prev := rec.PreviousHash
			er.PreviousHash = &prev
		}
		out = append(out, er)
	}
	return json.Marshal(out)
}

// Export writes the tenant's entries in [start, end] to the object store as
// a JSON array in chain order and returns a time-limited download URL.
// Buffered entries are flushed first. Only format "json" is supported.
func (c *Chain) Export(ctx context.Context, tenantID string, start, end time.Time, format string) (string, error) {
	if format != "json" {
		return "", ErrUnsupportedFormat
	}
	if c.objects == nil {
		return "", ErrNoObjectStore
	}
	if err := c.Flush(ctx); err != nil {
		return "", err
	}
	entries, err := c.durable.AuditRange(ctx, tenantID, start, end)
	if err != nil {
		return "", err
	}
	data, err := marshalExport(entries)
	if err != nil {
		return "", err
	}

	key := "exports/" + tenantID + "/" +
		start.UTC().Format("20060102T150405Z") + "_" +
		end.UTC().Format("20060102T150405Z") + "_" +
		uuid.NewString() + ".json"
	err = c.objects.Put(ctx, key, data, "application/json", map[string]string{
		"tenant": tenantID,
		"count":  strconv.Itoa(len(entries)),
	})
	if err != nil {
		return "", err
	}
	return c.objects.SignedURL(ctx, key, c.cfg.ExportURLTTL)
}
