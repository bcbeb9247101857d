// Package sentinel is a multi-tenant identity core: credential storage and
// verification, JWT access/refresh token pairs with rotation and
// reuse detection, distributed session state over a cache and a durable
// store, and a hash-chained tamper-evident audit log.
//
// The entry point is the Builder:
//
//	engine, err := sentinel.New().
//		WithConfig(cfg).
//		WithCache(cache).
//		WithDurableStore(store).
//		WithObjectStore(objects).
//		Build()
//
// Engine methods take per-request context. Attach the caller's network
// identity with WithTenantID, WithClientIP, and WithUserAgent; audit entries
// pick these up automatically.
//
// Sessions move PROVISIONED -> ACTIVE -> (REVOKED | EXPIRED). Refresh
// self-loops on ACTIVE; a terminal session is never resurrected. Presenting a
// rotated-out refresh token revokes the token's whole family.
package sentinel
