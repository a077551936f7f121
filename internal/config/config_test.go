package config

import (
	"os"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("parse empty config: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Cloud.Provider != ProviderSim {
		t.Errorf("provider = %q, want sim without a token", cfg.Cloud.Provider)
	}
	if got := cfg.Reconciler.PollInterval.Duration(); got != 10*time.Second {
		t.Errorf("poll_interval = %s, want 10s", got)
	}
	if got := cfg.Reconciler.ForcedRefreshDelay.Duration(); got != 500*time.Millisecond {
		t.Errorf("forced_refresh_delay = %s, want 500ms", got)
	}
	if cfg.API.Port != 8484 {
		t.Errorf("api port = %d, want 8484", cfg.API.Port)
	}
}

func TestParseFull(t *testing.T) {
	raw := `
log:
  level: debug
  json: true
cloud:
  provider: hcloud
  token: abc123
reconciler:
  poll_interval: 3s
  forced_refresh_delay: 250ms
  call_timeout: 5s
  rate_limit_rps: 20
watch:
  - project: acme
    location: fsn1
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Cloud.Provider != ProviderHCloud || cfg.Cloud.Token != "abc123" {
		t.Errorf("cloud = %+v", cfg.Cloud)
	}
	if got := cfg.Reconciler.PollInterval.Duration(); got != 3*time.Second {
		t.Errorf("poll_interval = %s, want 3s", got)
	}
	if len(cfg.Watch) != 1 || cfg.Watch[0].Project != "acme" {
		t.Errorf("watch = %+v", cfg.Watch)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	os.Setenv("FLEETWATCH_TEST_TOKEN", "secret")
	defer os.Unsetenv("FLEETWATCH_TEST_TOKEN")

	cfg, err := Parse([]byte("cloud:\n  token: ${FLEETWATCH_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Cloud.Token != "secret" {
		t.Errorf("token = %q, want secret", cfg.Cloud.Token)
	}
	if cfg.Cloud.Provider != ProviderHCloud {
		t.Errorf("provider = %q, want hcloud when a token is present", cfg.Cloud.Provider)
	}

	cfg, err = Parse([]byte("cloud:\n  token: ${FLEETWATCH_MISSING:fallback}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Cloud.Token != "fallback" {
		t.Errorf("token = %q, want fallback", cfg.Cloud.Token)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"hcloud_without_token", "cloud:\n  provider: hcloud\n"},
		{"unknown_provider", "cloud:\n  provider: aws\n  token: x\n"},
		{"watch_missing_location", "watch:\n  - project: acme\n"},
		{"bad_duration", "reconciler:\n  poll_interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
