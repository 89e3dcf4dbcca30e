package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupWriterEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter("oracled", "dev", &buf)
	logger.Info("price set", "asset", "0xabc", MaskField("signature", "0xdeadbeef"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "price set" || line["severity"] != "INFO" {
		t.Fatalf("unexpected envelope: %v", line)
	}
	if line["service"] != "oracled" || line["env"] != "dev" {
		t.Fatalf("missing service attributes: %v", line)
	}
	if line["signature"] != RedactedValue {
		t.Fatalf("expected signature to be redacted, got %v", line["signature"])
	}
	if line["asset"] != "0xabc" {
		t.Fatalf("expected asset to be logged, got %v", line["asset"])
	}
}

func TestMaskFieldAllowlist(t *testing.T) {
	if attr := MaskField("Status", "capped"); attr.Value.String() != "capped" {
		t.Fatalf("expected allowlisted key to pass through, got %s", attr.Value)
	}
	if attr := MaskField("session", ""); attr.Value.String() != "" {
		t.Fatalf("expected empty value unchanged, got %s", attr.Value)
	}
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("secret"); got != RedactedValue {
		t.Fatalf("expected redaction, got %q", got)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("expected blank value unchanged, got %q", got)
	}
}

func TestLevelFromEnvironment(t *testing.T) {
	t.Setenv(LevelEnv, "warn")
	var buf bytes.Buffer
	logger := SetupWriter("oracled", "", &buf)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %s", buf.String())
	}
	logger.Warn("kept")
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"kept"`)) {
		t.Fatalf("expected warn line, got %s", buf.String())
	}

	for raw, want := range map[string]slog.Level{"DEBUG": slog.LevelDebug, "error": slog.LevelError, "bogus": slog.LevelInfo, "": slog.LevelInfo} {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
