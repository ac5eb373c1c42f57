package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"

	defaultWSURL             = "wss://stream.binance.com:9443/ws"
	defaultKeepaliveInterval = 30 * time.Minute
	defaultReconnectDelay    = 5 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultFeedBuffer        = 1024
	defaultPublishInterval   = time.Minute
	defaultNamespace         = "Userstream"
)

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Userstream UserstreamConfig `yaml:"userstream"`
	Logging    LoggingConfig    `yaml:"logging"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Binance    BinanceConfig    `yaml:"binance"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

type UserstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// ChannelsConfig sizes the aggregate account/order/trade feeds.
type ChannelsConfig struct {
	FeedBuffer int `yaml:"feed_buffer"`
}

type BinanceConfig struct {
	WSURL             string          `yaml:"ws_url"`
	RestURL           string          `yaml:"rest_url"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	ReconnectDelay    time.Duration   `yaml:"reconnect_delay"`
	PingInterval      time.Duration   `yaml:"ping_interval"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Accounts          []AccountConfig `yaml:"accounts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// AccountConfig describes one account identity whose user data stream is
// consumed. Keys may be left empty and supplied through the environment.
type AccountConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// DashboardConfig controls the JSON status API.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
}

// LoadConfig reads the YAML file at path, or the environment specific file
// selected by APP_ENV when path is the default, then applies defaults and
// environment overrides before validating.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Channels: ChannelsConfig{
			FeedBuffer: defaultFeedBuffer,
		},
		Binance: BinanceConfig{
			WSURL:             defaultWSURL,
			KeepaliveInterval: defaultKeepaliveInterval,
			ReconnectDelay:    defaultReconnectDelay,
			PingInterval:      defaultPingInterval,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         1,
			},
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{
				Namespace:       defaultNamespace,
				PublishInterval: defaultPublishInterval,
			},
		},
		Dashboard: DashboardConfig{
			Address:        ":8080",
			SampleInterval: 5 * time.Second,
			LogHistory:     200,
			MetricsHistory: 200,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides fills account keys from BINANCE_API_KEY and
// BINANCE_SECRET_KEY (single account) or BINANCE_<NAME>_API_KEY and
// BINANCE_<NAME>_SECRET_KEY (per account name).
func applyEnvOverrides(cfg *Config) {
	for i := range cfg.Binance.Accounts {
		acct := &cfg.Binance.Accounts[i]
		prefix := "BINANCE_" + envName(acct.Name) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			acct.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "SECRET_KEY"); v != "" {
			acct.SecretKey = strings.TrimSpace(v)
		}
	}
	if len(cfg.Binance.Accounts) == 1 {
		acct := &cfg.Binance.Accounts[0]
		if v := os.Getenv("BINANCE_API_KEY"); v != "" && acct.APIKey == "" {
			acct.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" && acct.SecretKey == "" {
			acct.SecretKey = strings.TrimSpace(v)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(strings.TrimSpace(name)))
}

func validateConfig(cfg *Config) error {
	if cfg.Userstream.Name == "" {
		return fmt.Errorf("userstream.name is required")
	}

	if cfg.Userstream.Version == "" {
		return fmt.Errorf("userstream.version is required")
	}

	if cfg.Channels.FeedBuffer <= 0 {
		return fmt.Errorf("channels.feed_buffer must be greater than 0")
	}

	u, err := url.Parse(cfg.Binance.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("binance.ws_url '%s' must be a ws:// or wss:// URL", cfg.Binance.WSURL)
	}

	if cfg.Binance.KeepaliveInterval <= 0 {
		return fmt.Errorf("binance.keepalive_interval must be greater than 0")
	}
	if cfg.Binance.ReconnectDelay <= 0 {
		return fmt.Errorf("binance.reconnect_delay must be greater than 0")
	}
	if cfg.Binance.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("binance.rate_limit.requests_per_second must be greater than 0")
	}

	seen := make(map[string]struct{}, len(cfg.Binance.Accounts))
	for i, acct := range cfg.Binance.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("binance.accounts[%d].name is required", i)
		}
		if _, dup := seen[acct.Name]; dup {
			return fmt.Errorf("binance.accounts[%d].name '%s' is duplicated", i, acct.Name)
		}
		seen[acct.Name] = struct{}{}
		if acct.APIKey == "" {
			return fmt.Errorf("binance.accounts[%d].api_key is required", i)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.PublishInterval <= 0 {
		return fmt.Errorf("metrics.cloudwatch.publish_interval must be greater than 0")
	}

	return nil
}
