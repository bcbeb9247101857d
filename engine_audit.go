package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelauth/sentinel/audit"
)

// Log appends a caller-defined entry to the tenant's audit chain and returns
// its event id. IP and user agent default from ctx.
func (e *Engine) Log(ctx context.Context, entry audit.Entry) (string, error) {
	if entry.IP == "" {
		entry.IP = clientIPFromContext(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = userAgentFromContext(ctx)
	}
	id, err := e.audit.Log(ctx, entry)
	if errors.Is(err, audit.ErrInvalidEntry) {
		return "", &ValidationError{Field: "entry", Reason: err.Error()}
	}
	return id, err
}

// VerifyAuditIntegrity recomputes the tenant's audit chain over [start, end]
// and returns the verification report. A broken chain additionally returns
// ErrIntegrity so callers can alert on the error path alone.
func (e *Engine) VerifyAuditIntegrity(ctx context.Context, tenantID string, start, end time.Time) (*audit.Report, error) {
	ctx, span := e.span(ctx, "VerifyAuditIntegrity")
	defer span.End()

	report, err := e.audit.VerifyIntegrity(ctx, tenantID, start, end)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if !report.Valid {
		return report, fmt.Errorf("%w: tenant %s broken at index %d", ErrIntegrity, tenantID, report.BrokenAt)
	}
	return report, nil
}

// ExportAuditLogs writes the tenant's entries in [start, end] to the object
// store and returns a time-limited download URL. Only format "json" is
// supported.
func (e *Engine) ExportAuditLogs(ctx context.Context, tenantID string, start, end time.Time, format string) (string, error) {
	ctx, span := e.span(ctx, "ExportAuditLogs")
	defer span.End()

	url, err := e.audit.Export(ctx, tenantID, start, end, format)
	if errors.Is(err, audit.ErrUnsupportedFormat) {
		return "", &ValidationError{Field: "format", Reason: "only json is supported"}
	}
	if err != nil {
		return "", mapStorageErr(err)
	}
	return url, nil
}
