package sentinel

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sentinelauth/sentinel/audit"
)

// TokenConfig controls token issuance and verification.
type TokenConfig struct {
	// SigningMethod is hs256 or ed25519.
	SigningMethod string
	// Secret is the HMAC key for hs256, at least 32 bytes.
	Secret []byte
	// PrivateKey and PublicKey are raw ed25519 keys for the ed25519 method.
	PrivateKey []byte
	PublicKey  []byte

	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway tolerates clock skew during verification, capped at 2m.
	Leeway time.Duration
}

// PasswordConfig controls credential hashing.
type PasswordConfig struct {
	// Cost is the bcrypt cost factor, minimum 10.
	Cost int
	// PoolSize bounds concurrent hash operations.
	PoolSize int
}

// SessionConfig controls session lifecycle policy.
type SessionConfig struct {
	// MaxSessionsPerUser caps concurrent sessions; exceeding it evicts the
	// least-recently-active session.
	MaxSessionsPerUser int
	// ForensicTTL keeps revoked sessions readable in the cache.
	ForensicTTL time.Duration
	// KeyPrefix namespaces cache keys.
	KeyPrefix string
}

// AuditConfig controls audit buffering and archival.
type AuditConfig struct {
	BufferSize int
	// FlushSeverity is the minimum severity that forces a synchronous flush.
	FlushSeverity string
	FlushInterval time.Duration
	ExportURLTTL  time.Duration
}

// ResetConfig controls password reset tokens.
type ResetConfig struct {
	// TokenTTL is the reset token lifetime. Tokens are single use.
	TokenTTL time.Duration
}

// Config is the engine configuration. Start from DefaultConfig or LoadConfig
// and override; Build validates the result.
type Config struct {
	Token    TokenConfig
	Password PasswordConfig
	Session  SessionConfig
	Audit    AuditConfig
	Reset    ResetConfig
}

// DefaultConfig returns the documented defaults. The token secret and
// issuer/audience have no defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SigningMethod: "hs256",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Cost:     12,
			PoolSize: 8,
		},
		Session: SessionConfig{
			MaxSessionsPerUser: 5,
			ForensicTTL:        24 * time.Hour,
			KeyPrefix:          "sn",
		},
		Audit: AuditConfig{
			BufferSize:    100,
			FlushSeverity: audit.SeverityHigh,
			FlushInterval: 5 * time.Second,
			ExportURLTTL:  15 * time.Minute,
		},
		Reset: ResetConfig{
			TokenTTL: time.Hour,
		},
	}
}

// Validate rejects configurations the engine cannot run with. Component
// constructors perform their own deeper checks during Build.
func (c Config) Validate() error {
	switch c.Token.SigningMethod {
	case "hs256":
		if len(c.Token.Secret) < 32 {
			return errors.New("token secret must be at least 32 bytes")
		}
	case "ed25519":
		if len(c.Token.PrivateKey) == 0 || len(c.Token.PublicKey) == 0 {
			return errors.New("ed25519 key pair required")
		}
	default:
		return fmt.Errorf("unknown signing method %q", c.Token.SigningMethod)
	}
	if c.Token.Issuer == "" || c.Token.Audience == "" {
		return errors.New("token issuer and audience are required")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 || c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("access TTL must be positive and shorter than refresh TTL")
	}
	if c.Password.Cost < 10 {
		return errors.New("password cost must be at least 10")
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		return errors.New("max sessions per user must be positive")
	}
	if c.Audit.FlushSeverity != "" {
		switch c.Audit.FlushSeverity {
		case audit.SeverityInfo, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical:
		default:
			return fmt.Errorf("unknown flush severity %q", c.Audit.FlushSeverity)
		}
	}
	if c.Reset.TokenTTL <= 0 {
		return errors.New("reset token TTL must be positive")
	}
	return nil
}

// yamlDuration accepts Go duration strings ("15m", "720h") in config files.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = yamlDuration(v)
	return nil
}

type fileConfig struct {
	Token struct {
		SigningMethod string       `yaml:"signing_method"`
		Secret        string       `yaml:"secret"`
		Issuer        string       `yaml:"issuer"`
		Audience      string       `yaml:"audience"`
		AccessTTL     yamlDuration `yaml:"access_ttl"`
		RefreshTTL    yamlDuration `yaml:"refresh_ttl"`
		Leeway        yamlDuration `yaml:"leeway"`
	} `yaml:"token"`
	Password struct {
		Cost     int `yaml:"cost"`
		PoolSize int `yaml:"pool_size"`
	} `yaml:"password"`
	Session struct {
		MaxSessionsPerUser int          `yaml:"max_sessions_per_user"`
		ForensicTTL        yamlDuration `yaml:"forensic_ttl"`
		KeyPrefix          string       `yaml:"key_prefix"`
	} `yaml:"session"`
	Audit struct {
		BufferSize    int          `yaml:"buffer_size"`
		FlushSeverity string       `yaml:"flush_severity"`
		FlushInterval yamlDuration `yaml:"flush_interval"`
		ExportURLTTL  yamlDuration `yaml:"export_url_ttl"`
	} `yaml:"audit"`
	Reset struct {
		TokenTTL yamlDuration `yaml:"token_ttl"`
	} `yaml:"reset"`
}

// LoadConfig reads a YAML config file over the defaults. Absent fields keep
// their default values; key material is passed as plain strings in the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Token.SigningMethod != "" {
		cfg.Token.SigningMethod = fc.Token.SigningMethod
	}
	if fc.Token.Secret != "" {
		cfg.Token.Secret = []byte(fc.Token.Secret)
	}
	if fc.Token.Issuer != "" {
		cfg.Token.Issuer = fc.Token.Issuer
	}
	if fc.Token.Audience != "" {
		cfg.Token.Audience = fc.Token.Audience
	}
	if fc.Token.AccessTTL > 0 {
		cfg.Token.AccessTTL = time.Duration(fc.Token.AccessTTL)
	}
	if fc.Token.RefreshTTL > 0 {
		cfg.Token.RefreshTTL = time.Duration(fc.Token.RefreshTTL)
	}
	if fc.Token.Leeway > 0 {
		cfg.Token.Leeway = time.Duration(fc.Token.Leeway)
	}
	if fc.Password.Cost > 0 {
		cfg.Password.Cost = fc.Password.Cost
	}
	if fc.Password.PoolSize > 0 {
		cfg.Password.PoolSize = fc.Password.PoolSize
	}
	if fc.Session.MaxSessionsPerUser > 0 {
		cfg.Session.MaxSessionsPerUser = fc.Session.MaxSessionsPerUser
	}
	if fc.Session.ForensicTTL > 0 {
		cfg.Session.ForensicTTL = time.Duration(fc.Session.ForensicTTL)
	}
	if fc.Session.KeyPrefix != "" {
		cfg.Session.KeyPrefix = fc.Session.KeyPrefix
	}
	if fc.Audit.BufferSize > 0 {
		cfg.Audit.BufferSize = fc.Audit.BufferSize
	}
	if fc.Audit.FlushSeverity != "" {
		cfg.Audit.FlushSeverity = fc.Audit.FlushSeverity
	}
	if fc.Audit.FlushInterval > 0 {
		cfg.Audit.FlushInterval = time.Duration(fc.Audit.FlushInterval)
	}
	if fc.Audit.ExportURLTTL > 0 {
		cfg.Audit.ExportURLTTL = time.Duration(fc.Audit.ExportURLTTL)
	}
	if fc.Reset.TokenTTL > 0 {
		cfg.Reset.TokenTTL = time.Duration(fc.Reset.TokenTTL)
	}

	return cfg, cfg.Validate()
}
