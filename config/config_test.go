package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalConfig = `
arbiflow:
  name: arbiflow
  version: "1.0"
exchanges:
  binance:
    enabled: true
    ws_url: wss://fstream.binance.com/stream
    symbols: [BTCUSDT]
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Health.CheckInterval != 5*time.Second {
		t.Fatalf("wrong default check interval: %v", cfg.Health.CheckInterval)
	}
	if cfg.Health.StaleTimeout != 30*time.Second {
		t.Fatalf("wrong default stale timeout: %v", cfg.Health.StaleTimeout)
	}
	if cfg.Health.ForceReconnectTimeout != 60*time.Second {
		t.Fatalf("wrong default force timeout: %v", cfg.Health.ForceReconnectTimeout)
	}
	if cfg.Channels.OpportunityBuffer != 1000 {
		t.Fatalf("wrong default opportunity buffer: %d", cfg.Channels.OpportunityBuffer)
	}

	ex := cfg.Exchanges["binance"]
	if ex.ReconnectInterval != 5*time.Second {
		t.Fatalf("wrong default reconnect interval: %v", ex.ReconnectInterval)
	}
	if ex.MaxReconnectAttempts != 10 {
		t.Fatalf("wrong default max attempts: %d", ex.MaxReconnectAttempts)
	}
	if ex.PingInterval != 30*time.Second {
		t.Fatalf("wrong default ping interval: %v", ex.PingInterval)
	}
	if ex.RequestTimeout != 10*time.Second {
		t.Fatalf("wrong default request timeout: %v", ex.RequestTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	bad := `
arbiflow:
  name: arbiflow
  version: "1.0"
health:
  check_interval: 5s
  stale_timeout: 60s
  force_reconnect_timeout: 30s
exchanges:
  binance:
    enabled: true
    ws_url: wss://fstream.binance.com/stream
    symbols: [BTCUSDT]
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatalf("force timeout at or below stale timeout must be rejected")
	}
}

func TestValidateRequiresName(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, `arbiflow: {version: "1.0"}`)); err == nil {
		t.Fatalf("missing service name must be rejected")
	}
}

func TestValidateEnabledExchangeNeedsURL(t *testing.T) {
	bad := `
arbiflow:
  name: arbiflow
  version: "1.0"
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT]
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatalf("enabled exchange without ws_url must be rejected")
	}
}

func TestValidateS3NeedsBucket(t *testing.T) {
	bad := minimalConfig + `
storage:
  s3:
    enabled: true
    region: us-east-1
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatalf("enabled S3 storage without a bucket must be rejected")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_SECRET_KEY", "env-secret")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ex := cfg.Exchanges["binance"]
	if ex.APIKey != "env-key" || ex.SecretKey != "env-secret" {
		t.Fatalf("environment credentials not applied: %+v", ex)
	}
}
