package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbiflow  ArbiflowConfig            `yaml:"arbiflow"`
	Logging   LoggingConfig             `yaml:"logging"`
	Health    HealthConfig              `yaml:"health"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Detector  DetectorConfig            `yaml:"detector"`
	Storage   StorageConfig             `yaml:"storage"`
}

type ArbiflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// HealthConfig holds the process-wide staleness tunables. These are
// operational parameters, not per-connection settings.
type HealthConfig struct {
	CheckInterval         time.Duration `yaml:"check_interval"`
	StaleTimeout          time.Duration `yaml:"stale_timeout"`
	ForceReconnectTimeout time.Duration `yaml:"force_reconnect_timeout"`
}

type ChannelsConfig struct {
	OpportunityBuffer int `yaml:"opportunity_buffer"`
}

// ExchangeConfig is one connector's configuration. Credentials are
// optional; market data subscriptions work without them.
type ExchangeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	Testnet    bool   `yaml:"testnet"`

	WebsocketURL string `yaml:"ws_url"`
	RestURL      string `yaml:"rest_url"`

	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	// RestRate caps REST snapshot fetches, requests per second.
	RestRate float64 `yaml:"rest_rate"`

	Symbols []string `yaml:"symbols"`
	Depth   int      `yaml:"depth"`
}

type DetectorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Symbols          []string      `yaml:"symbols"`
	Interval         time.Duration `yaml:"interval"`
	MinProfitPercent float64       `yaml:"min_profit_percent"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// Defaults applied to each exchange entry when the field is unset.
const (
	defaultReconnectInterval    = 5000 * time.Millisecond
	defaultMaxReconnectAttempts = 10
	defaultPingInterval         = 30000 * time.Millisecond
	defaultRequestTimeout       = 10000 * time.Millisecond
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Health: HealthConfig{
			CheckInterval:         5 * time.Second,
			StaleTimeout:          30 * time.Second,
			ForceReconnectTimeout: 60 * time.Second,
		},
		Channels: ChannelsConfig{OpportunityBuffer: 1000},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyExchangeDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyExchangeDefaults(cfg *Config) {
	for name, ex := range cfg.Exchanges {
		if ex.ReconnectInterval <= 0 {
			ex.ReconnectInterval = defaultReconnectInterval
		}
		if ex.MaxReconnectAttempts <= 0 {
			ex.MaxReconnectAttempts = defaultMaxReconnectAttempts
		}
		if ex.PingInterval <= 0 {
			ex.PingInterval = defaultPingInterval
		}
		if ex.RequestTimeout <= 0 {
			ex.RequestTimeout = defaultRequestTimeout
		}
		cfg.Exchanges[name] = ex
	}
	if cfg.Detector.Interval <= 0 {
		cfg.Detector.Interval = time.Second
	}
	if cfg.Storage.S3.BatchSize <= 0 {
		cfg.Storage.S3.BatchSize = 500
	}
	if cfg.Storage.S3.FlushInterval <= 0 {
		cfg.Storage.S3.FlushInterval = 30 * time.Second
	}
}

// applyEnvOverrides lets credentials come from the environment instead of
// the config file. Exchange keys use <NAME>_API_KEY style variables.
func applyEnvOverrides(cfg *Config) {
	for name, ex := range cfg.Exchanges {
		prefix := strings.ToUpper(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_SECRET_KEY"); v != "" {
			ex.SecretKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_PASSPHRASE"); v != "" {
			ex.Passphrase = strings.TrimSpace(v)
		}
		cfg.Exchanges[name] = ex
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Arbiflow.Name == "" {
		return fmt.Errorf("arbiflow.name is required")
	}
	if cfg.Arbiflow.Version == "" {
		return fmt.Errorf("arbiflow.version is required")
	}

	if cfg.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be greater than 0")
	}
	if cfg.Health.StaleTimeout <= 0 {
		return fmt.Errorf("health.stale_timeout must be greater than 0")
	}
	if cfg.Health.ForceReconnectTimeout <= cfg.Health.StaleTimeout {
		return fmt.Errorf("health.force_reconnect_timeout must be greater than health.stale_timeout")
	}

	if cfg.Channels.OpportunityBuffer <= 0 {
		return fmt.Errorf("channels.opportunity_buffer must be greater than 0")
	}

	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.WebsocketURL == "" {
			return fmt.Errorf("exchanges.%s.ws_url is required", name)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchanges.%s.symbols is required", name)
		}
	}

	if cfg.Detector.Enabled && len(cfg.Detector.Symbols) == 0 {
		return fmt.Errorf("detector.symbols is required when the detector is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
