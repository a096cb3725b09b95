package runtimeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	configPath := filepath.Join(tmp, "dominion", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("dominion", "config.yaml")) {
		t.Fatalf("unexpected config path: %q", path)
	}
	if cfg.Engine.Kind != EngineDocker {
		t.Fatalf("unexpected engine: %q", cfg.Engine.Kind)
	}
	if cfg.PollingInterval() != 15*time.Second || cfg.Timeout() != time.Hour || cfg.SpawnPeriod() != 5*time.Second {
		t.Fatalf("unexpected intervals: %s %s %s", cfg.PollingInterval(), cfg.Timeout(), cfg.SpawnPeriod())
	}
	if cfg.Builds.Slots != 1 {
		t.Fatalf("unexpected slots: %d", cfg.Builds.Slots)
	}
	if cfg.Redis.Addr() != "" {
		t.Fatalf("expected no redis by default, got %q", cfg.Redis.Addr())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestLoadParsesFile(t *testing.T) {
	writeConfig(t, `engine:
  kind: Local
  local_command: [sh, build.sh]
builds:
  result_path: /srv/results
  timeout_seconds: 120
  slots: 2
  download_url: https://example.com/download/{id}
redis:
  host: redis.internal
gateway:
  listen: tsnet://builds
  tokens:
    web: s3cret
notify:
  webhook_url: https://chat.example.com/hook
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Engine.Kind != EngineLocal || len(cfg.Engine.LocalCommand) != 2 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Timeout() != 2*time.Minute || cfg.Builds.Slots != 2 {
		t.Fatalf("unexpected builds config: %+v", cfg.Builds)
	}
	if got, want := cfg.Redis.Addr(), "redis.internal:6379"; got != want {
		t.Fatalf("unexpected redis addr: got %q want %q", got, want)
	}
	if cfg.Gateway.Tokens["web"] != "s3cret" {
		t.Fatalf("unexpected tokens: %v", cfg.Gateway.Tokens)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	writeConfig(t, "engine: [unterminated\n")
	if _, _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg := Config{}.WithDefaults()
	env := map[string]string{
		"POLLING_FREQUENCY": "3",
		"TIMEOUT":           "30",
		"BUILD_RESULT_PATH": "/tmp/results",
		"REDIS_HOST":        "10.0.0.5",
		"REDIS_PORT":        "6380",
		"DOCKER_HOST":       "unix:///run/docker.sock",
		"DOMINION_LISTEN":   "http://0.0.0.0:7777",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv returned error: %v", err)
	}
	if cfg.PollingInterval() != 3*time.Second || cfg.Timeout() != 30*time.Second {
		t.Fatalf("unexpected intervals: %s %s", cfg.PollingInterval(), cfg.Timeout())
	}
	if cfg.Builds.ResultPath != "/tmp/results" || cfg.Engine.DockerHost != "unix:///run/docker.sock" || cfg.Gateway.Listen != "http://0.0.0.0:7777" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if got, want := cfg.Redis.Addr(), "10.0.0.5:6380"; got != want {
		t.Fatalf("unexpected redis addr: got %q want %q", got, want)
	}
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	cfg := Config{}.WithDefaults()
	lookup := func(key string) (string, bool) {
		switch key {
		case "TIMEOUT":
			return "soon", true
		case "REDIS_PORT":
			return "x", true
		}
		return "", false
	}
	err := cfg.ApplyEnv(lookup)
	if err == nil || !strings.Contains(err.Error(), "TIMEOUT") || !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
	if cfg.Timeout() != time.Hour {
		t.Fatalf("expected timeout unchanged, got %s", cfg.Timeout())
	}
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	cfg := Config{}.WithDefaults()
	cfg.Builds.PollingFrequencySeconds = -1
	cfg.Builds.TimeoutSeconds = -5
	cfg.Engine.Kind = "podman"
	cfg.Gateway.TLSCert = "/etc/cert.pem"
	cfg.Gateway.SubscriberBacklog = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"polling_frequency_seconds", "timeout_seconds", "invalid engine kind", "tls_cert", "subscriber_backlog"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err)
		}
	}
}
