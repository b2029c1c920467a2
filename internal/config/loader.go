package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/titanhub/internal/crypto"
)

// SecretsPasswordEnv names the variable holding the secrets bundle password.
const SecretsPasswordEnv = "TITAN_SECRETS_PASSWORD"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TITAN_* environment variable overrides, and
// fills still-empty secrets from the sealed secrets file when one is
// configured. An empty path skips the file. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if cfg.Security.SecretsFile != "" {
		if err := loadSecrets(&cfg, os.Getenv(SecretsPasswordEnv)); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known TITAN_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "TITAN_MODE")
	setStr(&cfg.LogLevel, "TITAN_LOG_LEVEL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TITAN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TITAN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TITAN_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.WSOrigins, "TITAN_SERVER_WS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "TITAN_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TITAN_SERVER_RATE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TITAN_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TITAN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TITAN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TITAN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TITAN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TITAN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TITAN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TITAN_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TITAN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TITAN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TITAN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TITAN_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TITAN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TITAN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TITAN_S3_REGION")
	setStr(&cfg.S3.Bucket, "TITAN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TITAN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TITAN_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "TITAN_S3_FORCE_PATH_STYLE")

	// ── Security ──
	setStr(&cfg.Security.HMACSecret, "TITAN_HMAC_SECRET")
	setDuration(&cfg.Security.SignatureTolerance, "TITAN_SIGNATURE_TOLERANCE")
	setBool(&cfg.Security.AllowUnsigned, "TITAN_ALLOW_UNSIGNED")
	setStr(&cfg.Security.APIKey, "TITAN_API_KEY")
	setStr(&cfg.Security.JWTSecret, "TITAN_JWT_SECRET")
	setStr(&cfg.Security.SecretsFile, "TITAN_SECRETS_FILE")

	// ── Router ──
	setDuration(&cfg.Router.MaxSignalAge, "TITAN_ROUTER_MAX_SIGNAL_AGE")
	setDuration(&cfg.Router.MaxIntentAge, "TITAN_ROUTER_MAX_INTENT_AGE")
	setBool(&cfg.Router.RecoveryStrict, "TITAN_ROUTER_RECOVERY_STRICT")
	setBool(&cfg.Router.StreamIngest, "TITAN_ROUTER_STREAM_INGEST")

	// ── Risk ──
	setStringSlice(&cfg.Risk.SymbolWhitelist, "TITAN_RISK_SYMBOL_WHITELIST")
	setFloat64(&cfg.Risk.MaxPositionNotional, "TITAN_RISK_MAX_POSITION_NOTIONAL")
	setFloat64(&cfg.Risk.MaxAccountLeverage, "TITAN_RISK_MAX_ACCOUNT_LEVERAGE")
	setFloat64(&cfg.Risk.MaxDailyLoss, "TITAN_RISK_MAX_DAILY_LOSS")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "TITAN_RISK_MAX_DRAWDOWN_PCT")

	// ── Treasury ──
	setBool(&cfg.Treasury.Enabled, "TITAN_TREASURY_ENABLED")
	setFloat64(&cfg.Treasury.TargetAllocation, "TITAN_TREASURY_TARGET_ALLOCATION")
	setFloat64(&cfg.Treasury.SweepThreshold, "TITAN_TREASURY_SWEEP_THRESHOLD")
	setFloat64(&cfg.Treasury.ReserveLimit, "TITAN_TREASURY_RESERVE_LIMIT")
	setStr(&cfg.Treasury.Schedule, "TITAN_TREASURY_SCHEDULE")

	// ── Paper ──
	setFloat64(&cfg.Paper.FuturesBalance, "TITAN_PAPER_FUTURES_BALANCE")
	setFloat64(&cfg.Paper.SpotBalance, "TITAN_PAPER_SPOT_BALANCE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TITAN_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Schedule, "TITAN_ARCHIVE_SCHEDULE")
	setInt(&cfg.Archive.RetentionDays, "TITAN_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TITAN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TITAN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TITAN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TITAN_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "TITAN_METRICS_ENABLED")
}

// secretFields maps bundle keys to the Config fields they fill.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"hmac_secret":         &cfg.Security.HMACSecret,
		"api_key":             &cfg.Security.APIKey,
		"jwt_secret":          &cfg.Security.JWTSecret,
		"postgres_dsn":        &cfg.Postgres.DSN,
		"postgres_password":   &cfg.Postgres.Password,
		"redis_password":      &cfg.Redis.Password,
		"s3_access_key":       &cfg.S3.AccessKey,
		"s3_secret_key":       &cfg.S3.SecretKey,
		"telegram_token":      &cfg.Notify.TelegramToken,
		"discord_webhook_url": &cfg.Notify.DiscordWebhookURL,
	}
}

// SecretKeys lists the keys a sealed secrets bundle may carry.
func SecretKeys() []string {
	var cfg Config
	keys := make([]string, 0, 10)
	for k := range secretFields(&cfg) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// loadSecrets opens the sealed bundle and fills secrets that neither the
// TOML file nor the environment set. Unknown keys are rejected.
func loadSecrets(cfg *Config, password string) error {
	if password == "" {
		return fmt.Errorf("config: secrets_file is set but %s is empty", SecretsPasswordEnv)
	}
	cm := crypto.NewCredentialManager()
	if err := cm.Initialize(password); err != nil {
		return fmt.Errorf("config: secrets: %w", err)
	}
	defer cm.Destroy()

	secrets, err := cm.OpenFile(cfg.Security.SecretsFile)
	if err != nil {
		return fmt.Errorf("config: open secrets %s: %w", cfg.Security.SecretsFile, err)
	}
	return applySecrets(cfg, secrets)
}

func applySecrets(cfg *Config, secrets map[string]string) error {
	fields := secretFields(cfg)
	for k, v := range secrets {
		dst, ok := fields[k]
		if !ok {
			return fmt.Errorf("config: secrets: unknown key %q", k)
		}
		if *dst == "" {
			*dst = v
		}
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
