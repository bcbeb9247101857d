// Package token mints and verifies the access and refresh JWTs. It is
// stateless apart from the jti blacklist, which is delegated to an injected
// key-value interface.
package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sentinelauth/sentinel/storage"
)

// Token types carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrInvalid is returned for any token that fails signature, issuer,
	// audience, expiry, or type validation. Verification fails closed.
	ErrInvalid = errors.New("invalid token")
	// ErrRevoked is returned for a structurally valid token whose jti is
	// blacklisted. Callers treat a revoked refresh token as a reuse signal.
	ErrRevoked = errors.New("token revoked")
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// Blacklist is the jti revocation store. storage.Cache satisfies it through
// a thin adapter; entries must outlive the token they block.
type Blacklist interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Config controls issuance and verification.
type Config struct {
	SigningMethod SigningMethod
	// Secret is the HMAC key for hs256.
	Secret []byte
	// PrivateKey/PublicKey are raw ed25519 keys for the ed25519 method.
	PrivateKey []byte
	PublicKey  []byte

	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// Claims is the decoded payload of a sentinel token.
type Claims struct {
	TenantID string         `json:"tid"`
	Type     string         `json:"typ"`
	FamilyID string         `json:"fam,omitempty"`
	Extra    map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// Service mints and verifies tokens.
type Service struct {
	cfg       Config
	blacklist Blacklist
	clock     storage.Clock
}

// NewService validates cfg and returns a Service. blacklist may not be nil:
// verification without revocation checks is not a supported mode.
func NewService(cfg Config, blacklist Blacklist, clock storage.Clock) (*Service, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("access TTL must be shorter than refresh TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("invalid ed25519 public key")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if blacklist == nil {
		return nil, errors.New("blacklist is required")
	}
	if clock == nil {
		clock = storage.SystemClock()
	}
	return &Service{cfg: cfg, blacklist: blacklist, clock: clock}, nil
}

// CreateAccessToken mints a short-lived access token for identityID within
// tenantID. extra claims are carried under "ext" and echoed back on Verify.
func (s *Service) CreateAccessToken(identityID, tenantID string, extra map[string]any) (tok, jti string, expiresAt time.Time, err error) {
	return s.mint(identityID, tenantID, TypeAccess, "", extra, s.cfg.AccessTTL)
}

// CreateRefreshToken mints a long-lived refresh token. An empty familyID
// starts a new token family; a non-empty one keeps the rotation lineage.
func (s *Service) CreateRefreshToken(identityID, tenantID, familyID string) (tok, jti, family string, expiresAt time.Time, err error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	tok, jti, expiresAt, err = s.mint(identityID, tenantID, TypeRefresh, familyID, nil, s.cfg.RefreshTTL)
	return tok, jti, familyID, expiresAt, err
}

func (s *Service) mint(identityID, tenantID, typ, familyID string, extra map[string]any, ttl time.Duration) (string, string, time.Time, error) {
	now := s.clock.Now()
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims := Claims{
		TenantID: tenantID,
		Type:     typ,
		FamilyID: familyID,
		Extra:    extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	t := jwt.NewWithClaims(s.method(), claims)
	signed, err := t.SignedString(s.signKey())
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, expiresAt, nil
}

// Verify validates signature, issuer, audience, expiry, and type, then checks
// the jti against the blacklist. On a blacklist hit it returns the decoded
// claims together with ErrRevoked so the caller can react to the family.
func (s *Service) Verify(ctx context.Context, tokenStr, expectedType string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method().Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.cfg.Leeway))
	}

	parser := jwt.NewParser(options...)
	t, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.verifyKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, ErrInvalid
	}
	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalid, claims.Type)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalid)
	}

	revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return claims, ErrRevoked
	}
	return claims, nil
}

// Revoke blacklists jti for ttl. Callers pass at least the token's remaining
// lifetime so the entry cannot expire before the token would have.
func (s *Service) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.blacklist.Revoke(ctx, jti, ttl)
}

// AccessTTL returns the configured access-token lifetime. Callers use it as
// the blacklist TTL floor for rotated-out access tokens.
func (s *Service) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

func (s *Service) method() jwt.SigningMethod {
	if s.cfg.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (s *Service) signKey() interface{} {
	if s.cfg.SigningMethod == MethodEd25519 {
		return ed25519.PrivateKey(s.cfg.PrivateKey)
	}
	return s.cfg.Secret
}

func (s *Service) verifyKey() interface{} {
	if s.cfg.SigningMethod == MethodEd25519 {
		return ed25519.PublicKey(s.cfg.PublicKey)
	}
	return s.cfg.Secret
}
