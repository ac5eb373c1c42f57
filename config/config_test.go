package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `userstream:
  name: "TestApp"
  version: "1.0"
binance:
  keepalive_interval: 10m
  accounts:
    - name: main
      api_key: "abc"
      secret_key: "def"
`

// writeTempConfig writes content to a temporary config file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Userstream.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Userstream.Name)
	}
	if cfg.Binance.KeepaliveInterval != 10*time.Minute {
		t.Errorf("unexpected keepalive interval: %s", cfg.Binance.KeepaliveInterval)
	}
	if cfg.Binance.WSURL != defaultWSURL {
		t.Errorf("expected default ws url, got %s", cfg.Binance.WSURL)
	}
	if cfg.Channels.FeedBuffer != defaultFeedBuffer {
		t.Errorf("expected default feed buffer, got %d", cfg.Channels.FeedBuffer)
	}
	if len(cfg.Binance.Accounts) != 1 || cfg.Binance.Accounts[0].APIKey != "abc" {
		t.Errorf("unexpected accounts: %+v", cfg.Binance.Accounts)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_MAIN_API_KEY", " from-env ")
	t.Setenv("BINANCE_MAIN_SECRET_KEY", "secret-env")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	acct := cfg.Binance.Accounts[0]
	if acct.APIKey != "from-env" || acct.SecretKey != "secret-env" {
		t.Fatalf("env overrides not applied: %+v", acct)
	}
}

func TestLoadConfigSingleAccountFallbackEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "fallback")
	path := writeTempConfig(t, `userstream:
  name: "TestApp"
  version: "1.0"
binance:
  accounts:
    - name: solo
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Binance.Accounts[0].APIKey != "fallback" {
		t.Fatalf("expected fallback api key, got %q", cfg.Binance.Accounts[0].APIKey)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `userstream:
  version: "1.0"
`},
		{"bad ws url", `userstream:
  name: a
  version: "1"
binance:
  ws_url: "https://example.com"
`},
		{"duplicate account", `userstream:
  name: a
  version: "1"
binance:
  accounts:
    - name: x
      api_key: k
    - name: x
      api_key: k
`},
		{"account without key", `userstream:
  name: a
  version: "1"
binance:
  accounts:
    - name: nokey
`},
		{"cloudwatch without region", `userstream:
  name: a
  version: "1"
metrics:
  cloudwatch:
    enabled: true
`},
		{"cloudwatch zero interval", `userstream:
  name: a
  version: "1"
metrics:
  cloudwatch:
    enabled: true
    region: eu-west-1
    publish_interval: 0s
`},
	}
	t.Setenv("AWS_REGION", "")
	t.Setenv("BINANCE_API_KEY", "")
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadConfig(writeTempConfig(t, c.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigDashboardDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig+`dashboard:
  enabled: true
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Address != ":8080" {
		t.Fatalf("unexpected dashboard config: %+v", cfg.Dashboard)
	}
	if cfg.Dashboard.SampleInterval != 5*time.Second || cfg.Dashboard.LogHistory != 200 {
		t.Fatalf("dashboard defaults not applied: %+v", cfg.Dashboard)
	}
	if cfg.Metrics.CloudWatch.PublishInterval != defaultPublishInterval || cfg.Metrics.CloudWatch.Namespace != defaultNamespace {
		t.Fatalf("cloudwatch defaults not applied: %+v", cfg.Metrics.CloudWatch)
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	paths := map[string]string{EnvironmentProduction: prod}

	t.Setenv("APP_ENV", "prod")
	if got := resolveEnvSpecificPath("", def, paths); got != def {
		t.Fatalf("expected default path while env file is missing, got %s", got)
	}

	if err := os.WriteFile(prod, []byte(minimalConfig), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if got := resolveEnvSpecificPath("", def, paths); got != prod {
		t.Fatalf("expected production path, got %s", got)
	}
	if got := resolveEnvSpecificPath("other.yml", def, paths); got != "other.yml" {
		t.Fatalf("explicit path should win, got %s", got)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", " Stage ")
	if env := AppEnvironment(); env != EnvironmentStaging {
		t.Fatalf("expected staging, got %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("staging should be production-like")
	}
	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("expected development default, got %s", env)
	}
}
