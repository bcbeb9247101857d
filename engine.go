package sentinel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/audit"
	"github.com/sentinelauth/sentinel/password"
	"github.com/sentinelauth/sentinel/session"
	"github.com/sentinelauth/sentinel/storage"
	"github.com/sentinelauth/sentinel/token"
)

// Engine is the identity core. Build one with the Builder; all methods are
// safe for concurrent use.
type Engine struct {
	cfg     Config
	cache   storage.Cache
	durable storage.DurableStore
	objects storage.ObjectStore
	clock   storage.Clock
	log     *zap.Logger

	hasher   *password.Hasher
	tokens   *token.Service
	sessions *session.Manager
	audit    *audit.Chain
	metrics  *Metrics
	tracer   trace.Tracer

	closeOnce sync.Once
}

// Close stops the audit flusher and drains the buffer. Always call it on
// shutdown or buffered audit entries may be lost.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.audit.Close()
	})
}

// Health probes every collaborator and reports the session cache breaker
// state. Intended for readiness endpoints.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		CacheOK:          e.sessions.PingCache(ctx) == nil,
		DurableOK:        e.sessions.PingDurable(ctx) == nil,
		CacheBreaker:     e.sessions.BreakerState(),
		AuditBufferDepth: e.audit.BufferDepth(),
	}
	if e.objects != nil {
		h.ObjectsOK = e.objects.Ping(ctx) == nil
	}
	return h
}

// auditLog emits an audit entry, filling IP and user agent from ctx. Audit
// failures are logged, never propagated: the business operation already
// happened.
func (e *Engine) auditLog(ctx context.Context, entry audit.Entry) {
	if entry.IP == "" {
		entry.IP = clientIPFromContext(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = userAgentFromContext(ctx)
	}
	if _, err := e.audit.Log(ctx, entry); err != nil {
		e.log.Error("audit log failed",
			zap.String("event_type", entry.EventType),
			zap.String("tenant_id", entry.TenantID),
			zap.Error(err),
		)
	}
}

func (e *Engine) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "sentinel."+op)
}
