package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the top-level configuration for the Titan execution hub.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Security SecurityConfig `toml:"security"`
	Router   RouterConfig   `toml:"router"`
	Phases   []PhaseConfig  `toml:"phases"`
	Risk     RiskConfig     `toml:"risk"`
	Treasury TreasuryConfig `toml:"treasury"`
	Paper    PaperConfig    `toml:"paper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// ServerConfig holds HTTP and WebSocket server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	WSOrigins       []string `toml:"ws_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. Persistence is
// disabled when neither dsn nor host is set.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || strings.TrimSpace(p.Host) != ""
}

// RedisConfig holds Redis connection parameters. Redis is optional; an
// empty addr runs the hub single-instance with in-memory fallbacks.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
	BookTTL     duration `toml:"book_ttl"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SecurityConfig holds signal and API authentication settings.
type SecurityConfig struct {
	HMACSecret         string   `toml:"hmac_secret"`
	SignatureTolerance duration `toml:"signature_tolerance"`
	// AllowUnsigned accepts signals without a signature when no secret is
	// configured. Never enable outside development.
	AllowUnsigned bool   `toml:"allow_unsigned"`
	APIKey        string `toml:"api_key"`
	JWTSecret     string `toml:"jwt_secret"`
	JWTIssuer     string `toml:"jwt_issuer"`
	// SecretsFile points at a bundle sealed with -seal-secrets. It is opened
	// with TITAN_SECRETS_PASSWORD.
	SecretsFile string `toml:"secrets_file"`
}

// RouterConfig tunes the signal router and its ingress.
type RouterConfig struct {
	PreparedTTL     duration `toml:"prepared_ttl"`
	MaxIntentAge    duration `toml:"max_intent_age"`
	MaxSignalAge    duration `toml:"max_signal_age"`
	BookDepth       int      `toml:"book_depth"`
	OrderTimeout    duration `toml:"order_timeout"`
	IdempotencyTTL  duration `toml:"idempotency_ttl"`
	CleanupInterval duration `toml:"cleanup_interval"`
	RecoveryStrict  bool     `toml:"recovery_strict"`
	MaxTradeHistory int      `toml:"max_trade_history"`
	// StreamIngest consumes signals from the Redis stream in addition to
	// POST /api/signals.
	StreamIngest        bool     `toml:"stream_ingest"`
	Stream              string   `toml:"stream"`
	BreakerMaxFailures  int      `toml:"breaker_max_failures"`
	BreakerResetTimeout duration `toml:"breaker_reset_timeout"`
	// Drift thresholds for confirmed fills. Zero disables a check.
	DriftSpreadBps     float64  `toml:"drift_spread_bps"`
	DriftLatencyBudget duration `toml:"drift_latency_budget"`
	// FundingSchedule accrues exchange funding on open positions. Empty
	// disables it.
	FundingSchedule string   `toml:"funding_schedule"`
	FundingTimeout  duration `toml:"funding_timeout"`
}

// PhaseConfig is one rung of the equity phase ladder.
type PhaseConfig struct {
	Number      int      `toml:"number"`
	Name        string   `toml:"name"`
	MinEquity   float64  `toml:"min_equity"`
	Sources     []string `toml:"sources"`
	RiskPct     float64  `toml:"risk_pct"`
	MaxLeverage float64  `toml:"max_leverage"`
}

// RiskConfig holds the risk overlay limits.
type RiskConfig struct {
	SymbolWhitelist      []string `toml:"symbol_whitelist"`
	MaxPositionNotional  float64  `toml:"max_position_notional"`
	MaxAccountLeverage   float64  `toml:"max_account_leverage"`
	MaxSignalLeverage    float64  `toml:"max_signal_leverage"`
	MaxDailyLoss         float64  `toml:"max_daily_loss"`
	MaxDrawdownPct       float64  `toml:"max_drawdown_pct"`
	MaxOpenPositions     int      `toml:"max_open_positions"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	LossCooldown         duration `toml:"loss_cooldown"`
	MaxStaleness         duration `toml:"max_staleness"`
}

// TreasuryConfig tunes the profit sweep.
type TreasuryConfig struct {
	Enabled            bool     `toml:"enabled"`
	Coin               string   `toml:"coin"`
	TargetAllocation   float64  `toml:"target_allocation"`
	SweepThreshold     float64  `toml:"sweep_threshold"`
	ReserveLimit       float64  `toml:"reserve_limit"`
	MaxRetries         int      `toml:"max_retries"`
	RetryDelay         duration `toml:"retry_delay"`
	PostTradeThreshold float64  `toml:"post_trade_threshold"`
	AmountPrecision    int32    `toml:"amount_precision"`
	LockTTL            duration `toml:"lock_ttl"`
	// Schedule is a six-field cron expression (seconds first) or a
	// descriptor such as "@every 6h".
	Schedule        string   `toml:"schedule"`
	BalancePoll     duration `toml:"balance_poll"`
	ScheduleTimeout duration `toml:"schedule_timeout"`
}

// PaperConfig seeds the simulated exchange used in paper mode and as the
// default gateway in hub mode.
type PaperConfig struct {
	FuturesBalance float64            `toml:"futures_balance"`
	SpotBalance    float64            `toml:"spot_balance"`
	SlippageBps    float64            `toml:"slippage_bps"`
	FeeBps         float64            `toml:"fee_bps"`
	SpreadBps      float64            `toml:"spread_bps"`
	FundingRate    float64            `toml:"funding_rate"`
	Prices         map[string]float64 `toml:"prices"`
}

// ArchiveConfig controls the S3 archive job.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Schedule      string   `toml:"schedule"`
	RetentionDays int      `toml:"retention_days"`
	Timeout       duration `toml:"timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) duration { return duration{d} }

// Defaults returns a Config populated with the stock hub settings.
func Defaults() Config {
	return Config{
		Mode:     "hub",
		LogLevel: "info",
		Server: ServerConfig{
			Enabled:         true,
			Port:            3100,
			RateLimit:       120,
			RateWindow:      dur(time.Minute),
			ShutdownTimeout: dur(10 * time.Second),
		},
		Postgres: PostgresConfig{
			Port:           5432,
			Database:       "titan",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   1,
			ConnectTimeout: dur(10 * time.Second),
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			PoolSize:    10,
			MaxRetries:  3,
			DialTimeout: dur(5 * time.Second),
			BookTTL:     dur(30 * time.Second),
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Security: SecurityConfig{
			SignatureTolerance: dur(30 * time.Second),
			JWTIssuer:          "titan",
		},
		Router: RouterConfig{
			PreparedTTL:         dur(10 * time.Minute),
			MaxIntentAge:        dur(5 * time.Minute),
			MaxSignalAge:        dur(30 * time.Second),
			BookDepth:           20,
			OrderTimeout:        dur(10 * time.Second),
			IdempotencyTTL:      dur(24 * time.Hour),
			CleanupInterval:     dur(30 * time.Second),
			MaxTradeHistory:     1000,
			Stream:              "stream:signals",
			BreakerMaxFailures:  5,
			BreakerResetTimeout: dur(30 * time.Second),
			DriftSpreadBps:      20,
			DriftLatencyBudget:  dur(2 * time.Second),
			FundingSchedule:     "0 0 0,8,16 * * *",
			FundingTimeout:      dur(time.Minute),
		},
		Phases: []PhaseConfig{
			{Number: 1, Name: "KICKSTARTER", MinEquity: 0, Sources: []string{"scavenger"}, RiskPct: 10, MaxLeverage: 20},
			{Number: 2, Name: "TREND_RIDER", MinEquity: 1000, Sources: []string{"hunter"}, RiskPct: 5, MaxLeverage: 10},
			{Number: 3, Name: "CAPITAL_PRESERVATION", MinEquity: 5000, Sources: []string{"hunter", "sentinel"}, RiskPct: 2, MaxLeverage: 5},
		},
		Risk: RiskConfig{
			SymbolWhitelist:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			MaxPositionNotional:  50000,
			MaxAccountLeverage:   10,
			MaxSignalLeverage:    20,
			MaxDailyLoss:         1000,
			MaxDrawdownPct:       20,
			MaxOpenPositions:     5,
			MaxConsecutiveLosses: 3,
			LossCooldown:         dur(30 * time.Minute),
			MaxStaleness:         dur(5 * time.Second),
		},
		Treasury: TreasuryConfig{
			Enabled:            true,
			Coin:               "USDT",
			TargetAllocation:   0.8,
			SweepThreshold:     1.2,
			ReserveLimit:       200,
			MaxRetries:         3,
			RetryDelay:         dur(time.Second),
			PostTradeThreshold: 0.10,
			AmountPrecision:    2,
			LockTTL:            dur(2 * time.Minute),
			Schedule:           "0 0 */6 * * *",
			BalancePoll:        dur(time.Minute),
			ScheduleTimeout:    dur(2 * time.Minute),
		},
		Paper: PaperConfig{
			FuturesBalance: 500,
			SlippageBps:    2,
			FeeBps:         5.5,
			SpreadBps:      1,
			FundingRate:    0.0001,
		},
		Archive: ArchiveConfig{
			Schedule:      "0 30 3 * * *",
			RetentionDays: 30,
			Timeout:       dur(5 * time.Minute),
		},
		Notify: NotifyConfig{
			Events: []string{"SWEEP_FAILED", "HALT_CHANGED", "EMERGENCY_FLATTEN"},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

var validModes = map[string]bool{
	"hub":     true,
	"paper":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSources = map[string]bool{
	"scavenger": true,
	"hunter":    true,
	"sentinel":  true,
}

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the configuration and returns every problem found in a
// single error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: hub, paper, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		add("server: rate_window must be positive when rate_limit is set")
	}

	if c.Postgres.Enabled() && c.Postgres.PoolMaxConns <= 0 {
		add("postgres: pool_max_conns must be positive")
	}

	ingests := c.Mode != "monitor"
	if ingests && c.Security.HMACSecret == "" && !c.Security.AllowUnsigned {
		add("security: hmac_secret is required unless allow_unsigned is set")
	}
	if c.Security.SignatureTolerance.Duration <= 0 {
		add("security: signature_tolerance must be positive")
	}

	r := c.Router
	for name, d := range map[string]time.Duration{
		"prepared_ttl":     r.PreparedTTL.Duration,
		"max_intent_age":   r.MaxIntentAge.Duration,
		"max_signal_age":   r.MaxSignalAge.Duration,
		"order_timeout":    r.OrderTimeout.Duration,
		"idempotency_ttl":  r.IdempotencyTTL.Duration,
		"cleanup_interval": r.CleanupInterval.Duration,
	} {
		if d <= 0 {
			add("router: %s must be positive", name)
		}
	}
	if r.BookDepth <= 0 {
		add("router: book_depth must be positive")
	}
	if r.StreamIngest && !c.Redis.Enabled() {
		add("router: stream_ingest requires redis.addr")
	}
	if r.BreakerMaxFailures <= 0 {
		add("router: breaker_max_failures must be positive")
	}
	if r.DriftSpreadBps < 0 {
		add("router: drift_spread_bps must not be negative")
	}
	if r.FundingSchedule != "" {
		if _, err := scheduleParser.Parse(r.FundingSchedule); err != nil {
			add("router: funding_schedule %q: %v", r.FundingSchedule, err)
		}
	}

	errs = append(errs, validatePhases(c.Phases)...)

	rk := c.Risk
	if rk.MaxPositionNotional <= 0 {
		add("risk: max_position_notional must be positive")
	}
	if rk.MaxAccountLeverage <= 0 || rk.MaxSignalLeverage <= 0 {
		add("risk: max_account_leverage and max_signal_leverage must be positive")
	}
	if rk.MaxDailyLoss <= 0 {
		add("risk: max_daily_loss must be positive (it is a loss magnitude)")
	}
	if rk.MaxDrawdownPct <= 0 || rk.MaxDrawdownPct > 100 {
		add("risk: max_drawdown_pct must be in (0, 100]")
	}
	if rk.MaxOpenPositions <= 0 {
		add("risk: max_open_positions must be positive")
	}

	t := c.Treasury
	if t.Enabled {
		if t.TargetAllocation <= 0 || t.TargetAllocation >= 1 {
			add("treasury: target_allocation must be in (0, 1), got %v", t.TargetAllocation)
		}
		if t.SweepThreshold <= 1 {
			add("treasury: sweep_threshold must be greater than 1, got %v", t.SweepThreshold)
		}
		if t.ReserveLimit < 0 {
			add("treasury: reserve_limit must not be negative")
		}
		if t.MaxRetries < 0 {
			add("treasury: max_retries must not be negative")
		}
		if t.Coin == "" {
			add("treasury: coin must not be empty")
		}
		if t.Schedule != "" {
			if _, err := scheduleParser.Parse(t.Schedule); err != nil {
				add("treasury: schedule %q: %v", t.Schedule, err)
			}
		}
	}

	if c.Paper.FuturesBalance < 0 || c.Paper.SpotBalance < 0 {
		add("paper: balances must not be negative")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("archive: s3.bucket is required when the archive is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			add("archive: retention_days must be positive")
		}
		if _, err := scheduleParser.Parse(c.Archive.Schedule); err != nil {
			add("archive: schedule %q: %v", c.Archive.Schedule, err)
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validatePhases(phases []PhaseConfig) []string {
	if len(phases) == 0 {
		return []string{"phases: at least one phase is required"}
	}
	var errs []string
	lowest := phases[0].MinEquity
	numbers := make(map[int]bool, len(phases))
	for _, p := range phases {
		if p.MinEquity < lowest {
			lowest = p.MinEquity
		}
		if numbers[p.Number] {
			errs = append(errs, fmt.Sprintf("phases: duplicate phase number %d", p.Number))
		}
		numbers[p.Number] = true
		if len(p.Sources) == 0 {
			errs = append(errs, fmt.Sprintf("phases: phase %d has no sources", p.Number))
		}
		for _, s := range p.Sources {
			if !validSources[strings.ToLower(s)] {
				errs = append(errs, fmt.Sprintf("phases: phase %d: unknown source %q", p.Number, s))
			}
		}
		if p.RiskPct <= 0 || p.RiskPct > 100 {
			errs = append(errs, fmt.Sprintf("phases: phase %d: risk_pct must be in (0, 100]", p.Number))
		}
		if p.MaxLeverage <= 0 {
			errs = append(errs, fmt.Sprintf("phases: phase %d: max_leverage must be positive", p.Number))
		}
	}
	if lowest > 0 {
		errs = append(errs, "phases: the lowest phase must start at min_equity 0")
	}
	return errs
}
