package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/crypto"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Security.HMACSecret = "secret"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a secret should validate: %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "arbitrage" }, `unknown mode "arbitrage"`},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"missing secret", func(c *Config) { c.Security.HMACSecret = "" }, "hmac_secret is required"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
		{"target allocation", func(c *Config) { c.Treasury.TargetAllocation = 1.5 }, "target_allocation"},
		{"sweep threshold", func(c *Config) { c.Treasury.SweepThreshold = 1 }, "sweep_threshold"},
		{"bad schedule", func(c *Config) { c.Treasury.Schedule = "every tuesday" }, "treasury: schedule"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "s3.bucket"},
		{"funding schedule", func(c *Config) { c.Router.FundingSchedule = "hourly" }, "funding_schedule"},
		{"stream without redis", func(c *Config) { c.Router.StreamIngest = true }, "stream_ingest requires"},
		{"telegram pair", func(c *Config) { c.Notify.TelegramToken = "tok" }, "telegram_chat_id"},
		{"phase source", func(c *Config) { c.Phases[0].Sources = []string{"oracle"} }, `unknown source "oracle"`},
		{"phase floor", func(c *Config) { c.Phases = c.Phases[1:] }, "min_equity 0"},
		{"no phases", func(c *Config) { c.Phases = nil }, "at least one phase"},
		{"drawdown", func(c *Config) { c.Risk.MaxDrawdownPct = 150 }, "max_drawdown_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateMonitorNeedsNoSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("monitor mode should not require a signal secret: %v", err)
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "nope"
	cfg.LogLevel = "nope"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if got := strings.Count(err.Error(), "\n  - "); got != 2 {
		t.Errorf("expected 2 problems, got %d: %v", got, err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "titan.toml")
	body := `
mode = "paper"

[server]
port = 4000

[router]
max_signal_age = "45s"

[risk]
symbol_whitelist = ["BTCUSDT"]

[[phases]]
number = 1
name = "ONLY"
min_equity = 0
sources = ["scavenger", "hunter"]
risk_pct = 3
max_leverage = 4

[paper.prices]
BTCUSDT = 65000.5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TITAN_SERVER_PORT", "4100")
	t.Setenv("TITAN_HMAC_SECRET", "from-env")
	t.Setenv("TITAN_RISK_SYMBOL_WHITELIST", "BTCUSDT, ETHUSDT ,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "paper" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("env should override port, got %d", cfg.Server.Port)
	}
	if cfg.Router.MaxSignalAge.Duration != 45*time.Second {
		t.Errorf("max_signal_age = %v", cfg.Router.MaxSignalAge)
	}
	if cfg.Router.MaxIntentAge.Duration != 5*time.Minute {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Router.MaxIntentAge)
	}
	if len(cfg.Phases) != 1 || cfg.Phases[0].Name != "ONLY" {
		t.Errorf("phases = %+v", cfg.Phases)
	}
	if got := cfg.Risk.SymbolWhitelist; len(got) != 2 || got[1] != "ETHUSDT" {
		t.Errorf("whitelist = %v", got)
	}
	if cfg.Paper.Prices["BTCUSDT"] != 65000.5 {
		t.Errorf("paper prices = %v", cfg.Paper.Prices)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadSealedSecrets(t *testing.T) {
	cm := crypto.NewCredentialManager()
	if err := cm.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	sealed, err := cm.Seal(map[string]string{"hmac_secret": "sealed-secret", "api_key": "sealed-key"})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TITAN_SECRETS_FILE", path)
	t.Setenv("TITAN_API_KEY", "env-key")

	t.Run("missing password", func(t *testing.T) {
		t.Setenv(SecretsPasswordEnv, "")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error without password")
		}
	})

	t.Run("opens bundle", func(t *testing.T) {
		t.Setenv(SecretsPasswordEnv, "pw")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Security.HMACSecret != "sealed-secret" {
			t.Errorf("hmac secret = %q", cfg.Security.HMACSecret)
		}
		if cfg.Security.APIKey != "env-key" {
			t.Errorf("env should win over the bundle, got %q", cfg.Security.APIKey)
		}
	})
}

func TestApplySecretsRejectsUnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := applySecrets(&cfg, map[string]string{"wallet_key": "x"}); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSecretKeysSorted(t *testing.T) {
	keys := SecretKeys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys not sorted: %v", keys)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Security.APIKey = "key"
	cfg.Postgres.Password = "pg"
	cfg.S3.SecretKey = "s3"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	for name, got := range map[string]string{
		"hmac":    out.Security.HMACSecret,
		"api_key": out.Security.APIKey,
		"pg":      out.Postgres.Password,
		"s3":      out.S3.SecretKey,
		"discord": out.Notify.DiscordWebhookURL,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}
	if out.Security.JWTSecret != "" {
		t.Errorf("empty secrets should stay empty, got %q", out.Security.JWTSecret)
	}
	if cfg.Security.APIKey != "key" {
		t.Error("redaction must not modify the source config")
	}
}
