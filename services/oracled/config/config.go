package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

// PosterEnv overrides roles.poster when set.
const PosterEnv = "POSTER_ADDRESS"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for oracled.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	DataDir        string          `yaml:"data_dir"`
	AuditDatabase  string          `yaml:"audit_database"`
	Roles          RolesConfig     `yaml:"roles"`
	Anchor         AnchorConfig    `yaml:"anchor"`
	Clock          ClockConfig     `yaml:"clock"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	StateCacheSize int             `yaml:"state_cache_size"`
}

// RolesConfig names the privileged identities as hex addresses.
type RolesConfig struct {
	Poster      string `yaml:"poster"`
	AnchorAdmin string `yaml:"anchor_admin"`
}

// AnchorConfig tunes the swing validator. MaxSwing is a decimal fraction,
// e.g. "0.1" for ten percent.
type AnchorConfig struct {
	PeriodBlocks *uint64 `yaml:"period_blocks"`
	MaxSwing     string  `yaml:"max_swing"`
}

// ClockConfig maps wall time onto block heights.
type ClockConfig struct {
	Genesis       string   `yaml:"genesis"`
	BlockInterval Duration `yaml:"block_interval"`
}

// AuthConfig controls signed request verification and session issuance.
type AuthConfig struct {
	MaxSkew       Duration `yaml:"max_skew"`
	SessionSecret string   `yaml:"session_secret"`
	SessionTTL    Duration `yaml:"session_ttl"`
}

// RateLimitConfig bounds per-identity request rates.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Load reads configuration from the supplied path and applies the
// POSTER_ADDRESS override.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if poster := strings.TrimSpace(os.Getenv(PosterEnv)); poster != "" {
		cfg.Roles.Poster = poster
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/data/oracled"
	}
	if cfg.AuditDatabase == "" {
		cfg.AuditDatabase = filepath.Join(cfg.DataDir, "audit.sqlite")
	}
	if cfg.Anchor.PeriodBlocks == nil {
		period := oracle.DefaultAnchorPeriod
		cfg.Anchor.PeriodBlocks = &period
	}
	if strings.TrimSpace(cfg.Anchor.MaxSwing) == "" {
		cfg.Anchor.MaxSwing = "0.1"
	}
	if cfg.Clock.BlockInterval.Duration == 0 {
		cfg.Clock.BlockInterval.Duration = 15 * time.Second
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 2 * time.Minute
	}
	if cfg.Auth.SessionTTL.Duration == 0 {
		cfg.Auth.SessionTTL.Duration = 15 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.StateCacheSize == 0 {
		cfg.StateCacheSize = 1024
	}
}

func validate(cfg Config) error {
	if _, err := cfg.OracleRoles(); err != nil {
		return err
	}
	if _, err := cfg.Params(); err != nil {
		return err
	}
	if _, err := cfg.Genesis(); err != nil {
		return err
	}
	if cfg.Clock.BlockInterval.Duration < 0 {
		return fmt.Errorf("clock.block_interval must be positive")
	}
	if cfg.Auth.MaxSkew.Duration < 0 || cfg.Auth.SessionTTL.Duration < 0 {
		return fmt.Errorf("auth durations must be positive")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.StateCacheSize < 0 {
		return fmt.Errorf("state_cache_size must not be negative")
	}
	return nil
}

// OracleRoles parses the configured role addresses.
func (cfg Config) OracleRoles() (oracle.Roles, error) {
	poster, err := parseAddress("roles.poster", cfg.Roles.Poster)
	if err != nil {
		if errors.Is(err, errMissingAddress) {
			return oracle.Roles{}, fmt.Errorf("roles.poster or %s must be configured", PosterEnv)
		}
		return oracle.Roles{}, err
	}
	admin, err := parseAddress("roles.anchor_admin", cfg.Roles.AnchorAdmin)
	if err != nil {
		if errors.Is(err, errMissingAddress) {
			return oracle.Roles{}, fmt.Errorf("roles.anchor_admin must be configured")
		}
		return oracle.Roles{}, err
	}
	return oracle.Roles{Poster: poster, AnchorAdmin: admin}, nil
}

// Params converts the anchor section into validator parameters.
func (cfg Config) Params() (oracle.Params, error) {
	params := oracle.DefaultParams()
	if cfg.Anchor.PeriodBlocks != nil {
		params.AnchorPeriod = *cfg.Anchor.PeriodBlocks
	}
	if raw := strings.TrimSpace(cfg.Anchor.MaxSwing); raw != "" {
		swing, err := oracle.ParseMantissa(raw)
		if err != nil {
			return oracle.Params{}, fmt.Errorf("anchor.max_swing: %w", err)
		}
		params.MaxSwing = swing
	}
	if err := params.Validate(); err != nil {
		return oracle.Params{}, err
	}
	return params, nil
}

// Genesis returns the configured genesis time, or the Unix epoch when unset.
func (cfg Config) Genesis() (time.Time, error) {
	raw := strings.TrimSpace(cfg.Clock.Genesis)
	if raw == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock.genesis: %w", err)
	}
	return parsed.UTC(), nil
}

var errMissingAddress = errors.New("address missing")

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, errMissingAddress
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, trimmed)
	}
	addr := common.HexToAddress(trimmed)
	if (addr == common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address not allowed", field)
	}
	return addr, nil
}
