package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" DEBUG ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestEnvOverridesApplyOnTopOfProfile(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogBypass, "true")
	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %v", cfg.Level)
	}
	if !cfg.Bypass {
		t.Fatalf("expected bypass enabled")
	}
	if cfg.Timestamp {
		t.Fatalf("test profile should not stamp time")
	}
}

func TestAnonymize(t *testing.T) {
	if got := Anonymize("short"); got != "******" {
		t.Fatalf("unexpected short anonymize: %q", got)
	}
	if got := Anonymize("device-0123456789"); got != "devi******6789" {
		t.Fatalf("unexpected anonymize: %q", got)
	}
}
