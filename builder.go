package sentinel

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/sentinelauth/sentinel/audit"
	"github.com/sentinelauth/sentinel/password"
	"github.com/sentinelauth/sentinel/session"
	"github.com/sentinelauth/sentinel/storage"
	"github.com/sentinelauth/sentinel/token"
)

// Builder assembles an Engine. Configure during initialization, call Build
// once, and treat the Engine as immutable afterwards.
type Builder struct {
	config   Config
	cache    storage.Cache
	durable  storage.DurableStore
	objects  storage.ObjectStore
	clock    storage.Clock
	log      *zap.Logger
	registry prometheus.Registerer

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithCache sets the volatile store (sessions, token blacklist, locks,
// reset tokens).
func (b *Builder) WithCache(cache storage.Cache) *Builder {
	b.cache = cache
	return b
}

// WithDurableStore sets the system of record.
func (b *Builder) WithDurableStore(store storage.DurableStore) *Builder {
	b.durable = store
	return b
}

// WithObjectStore sets cold storage for audit archives and exports.
// Optional: without it, archival and export are disabled.
func (b *Builder) WithObjectStore(objects storage.ObjectStore) *Builder {
	b.objects = objects
	return b
}

// WithClock overrides the wall clock. Tests inject a fake here.
func (b *Builder) WithClock(clock storage.Clock) *Builder {
	b.clock = clock
	return b
}

// WithLogger sets the structured logger. Defaults to a nop logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithRegistry sets the Prometheus registry for engine metrics. Without one,
// metrics are collected on a private registry and effectively discarded.
func (b *Builder) WithRegistry(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// Build validates the configuration, wires every component, and starts the
// audit flusher. The returned Engine must be Closed on shutdown.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.cache == nil {
		return nil, errors.New("cache required")
	}
	if b.durable == nil {
		return nil, errors.New("durable store required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	cfg := b.config
	clock := b.clock
	if clock == nil {
		clock = storage.SystemClock()
	}
	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	hasher, err := password.NewHasher(password.Config{
		Cost:     cfg.Password.Cost,
		PoolSize: cfg.Password.PoolSize,
	})
	if err != nil {
		return nil, err
	}

	blacklist := cacheBlacklist{cache: b.cache, prefix: cfg.Session.KeyPrefix}
	tokens, err := token.NewService(token.Config{
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		Secret:        cfg.Token.Secret,
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		Leeway:        cfg.Token.Leeway,
	}, blacklist, clock)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Config{
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
		ForensicTTL:        cfg.Session.ForensicTTL,
		KeyPrefix:          cfg.Session.KeyPrefix,
	}, b.cache, b.durable, tokens, clock, log.Named("session"))

	chain := audit.NewChain(audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		FlushSeverity: cfg.Audit.FlushSeverity,
		FlushInterval: cfg.Audit.FlushInterval,
		ExportURLTTL:  cfg.Audit.ExportURLTTL,
	}, b.durable, b.objects, clock, log.Named("audit"))

	metrics := newMetrics(b.registry, chain.BufferDepth, chain.FlushErrors, chain.Requeued)
	sessions.OnDegraded(metrics.degradations.Inc)
	hasher.OnPoolWait(func(d time.Duration) { metrics.hashPoolWait.Observe(d.Seconds()) })

	engine := &Engine{
		cfg:      cfg,
		cache:    b.cache,
		durable:  b.durable,
		objects:  b.objects,
		clock:    clock,
		log:      log,
		hasher:   hasher,
		tokens:   tokens,
		sessions: sessions,
		audit:    chain,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/sentinelauth/sentinel"),
	}

	chain.Start()
	b.built = true
	return engine, nil
}
