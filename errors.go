package sentinel

import (
	"errors"
	"fmt"

	"github.com/sentinelauth/sentinel/session"
)

var (
	// ErrAuthentication is returned when credentials or tokens cannot be
	// accepted. It deliberately carries no detail about why.
	ErrAuthentication = errors.New("authentication failed")
	// ErrConflict is returned when a uniqueness rule is violated, e.g. a
	// duplicate email within a tenant.
	ErrConflict = errors.New("conflict")
	// ErrIntegrity is returned when the audit chain fails verification.
	ErrIntegrity = errors.New("audit chain integrity violation")
	// ErrDependencyUnavailable wraps failures of the cache, durable store, or
	// object store.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrEngineNotReady is returned when a required collaborator is missing.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrSessionNotFound and ErrTokenReuse surface unchanged from the
	// session manager.
	ErrSessionNotFound = session.ErrSessionNotFound
	ErrTokenReuse      = session.ErrTokenReuse
	// ErrNotOwner is returned by Logout when the session belongs to a
	// different user.
	ErrNotOwner = session.ErrNotOwner
)

// ValidationError reports a rejected input field before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}
