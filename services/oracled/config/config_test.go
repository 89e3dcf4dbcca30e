package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

const (
	posterHex = "0x00000000000000000000000000000000000000a1"
	adminHex  = "0x00000000000000000000000000000000000000b2"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oracled.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(PosterEnv, "")
	path := writeConfig(t, `
data_dir: /tmp/oracle
roles:
  poster: `+posterHex+`
  anchor_admin: `+adminHex+`
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.AuditDatabase != filepath.Join("/tmp/oracle", "audit.sqlite") {
		t.Fatalf("unexpected audit database %q", cfg.AuditDatabase)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.AnchorPeriod != oracle.DefaultAnchorPeriod {
		t.Fatalf("expected default period, got %d", params.AnchorPeriod)
	}
	if !params.MaxSwing.Eq(oracle.DefaultMaxSwing) {
		t.Fatalf("expected default swing, got %s", params.MaxSwing)
	}
	if cfg.Auth.MaxSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected max skew %s", cfg.Auth.MaxSkew)
	}
}

func TestLoadParsesAnchorAndClock(t *testing.T) {
	t.Setenv(PosterEnv, "")
	path := writeConfig(t, `
roles:
  poster: `+posterHex+`
  anchor_admin: `+adminHex+`
anchor:
  period_blocks: 0
  max_swing: "0.25"
clock:
  genesis: 2024-01-01T00:00:00Z
  block_interval: 12s
auth:
  session_secret: s3cret
  session_ttl: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.AnchorPeriod != 0 {
		t.Fatalf("expected explicit zero period to survive defaults, got %d", params.AnchorPeriod)
	}
	if oracle.FormatMantissa(params.MaxSwing) != "0.25" {
		t.Fatalf("unexpected swing %s", oracle.FormatMantissa(params.MaxSwing))
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if !genesis.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected genesis %s", genesis)
	}
	if cfg.Clock.BlockInterval.Duration != 12*time.Second || cfg.Auth.SessionTTL.Duration != time.Hour {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Clock, cfg.Auth)
	}
}

func TestLoadPosterFromEnvironment(t *testing.T) {
	override := "0x00000000000000000000000000000000000000c3"
	t.Setenv(PosterEnv, override)
	path := writeConfig(t, `
roles:
  anchor_admin: `+adminHex+`
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	roles, err := cfg.OracleRoles()
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if !strings.EqualFold(roles.Poster.Hex(), override) {
		t.Fatalf("expected poster %s, got %s", override, roles.Poster.Hex())
	}
}

func TestLoadRequiresPoster(t *testing.T) {
	t.Setenv(PosterEnv, "")
	path := writeConfig(t, `
roles:
  anchor_admin: `+adminHex+`
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error without poster")
	}
	if !strings.Contains(err.Error(), PosterEnv) {
		t.Fatalf("expected error to mention %s, got %v", PosterEnv, err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv(PosterEnv, "")
	cases := map[string]string{
		"bad address": "roles:\n  poster: nope\n  anchor_admin: " + adminHex + "\n",
		"zero admin":  "roles:\n  poster: " + posterHex + "\n  anchor_admin: 0x0000000000000000000000000000000000000000\n",
		"bad swing":   "roles:\n  poster: " + posterHex + "\n  anchor_admin: " + adminHex + "\nanchor:\n  max_swing: ten\n",
		"bad genesis": "roles:\n  poster: " + posterHex + "\n  anchor_admin: " + adminHex + "\nclock:\n  genesis: yesterday\n",
		"bad skew":    "roles:\n  poster: " + posterHex + "\n  anchor_admin: " + adminHex + "\nauth:\n  max_skew: soon\n",
		"unknown key": "roles:\n  poster: " + posterHex + "\n  anchor_admin: " + adminHex + "\nlisten_addr: :1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
