package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/titanhub/internal/blob/s3"
	"github.com/alanyoungcy/titanhub/internal/cache/redis"
	"github.com/alanyoungcy/titanhub/internal/config"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
	"github.com/alanyoungcy/titanhub/internal/notify"
	"github.com/alanyoungcy/titanhub/internal/server/handler"
	"github.com/alanyoungcy/titanhub/internal/store/postgres"
)

// Dependencies bundles the infrastructure the run modes build on. Every
// backing service is optional: fields stay nil when the matching config
// section is empty, and the hub falls back to in-memory behaviour.
type Dependencies struct {
	// Persistence
	DB domain.DatabaseManager

	// Caches and bus
	Bus         *redis.SignalBus
	SignalBus   domain.SignalBus
	PriceCache  domain.PriceCache
	BookCache   domain.BookCache
	Idempotency domain.IdempotencyStore
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	Archiver *s3blob.Archiver

	// Notifications and observability
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Health   map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewMetrics()
	}

	// --- PostgreSQL ---
	var db *postgres.Database
	if cfg.Postgres.Enabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		db = postgres.NewDatabase(pgClient)
		deps.DB = db
		deps.Health["postgres"] = pgClient
	} else {
		logger.WarnContext(ctx, "wire: postgres not configured, running without persistence")
	}

	// --- Redis ---
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient)
		deps.SignalBus = deps.Bus
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.BookTTL.Duration)
		deps.Idempotency = redis.NewIdempotencyStore(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Health["redis"] = redisClient
	} else {
		logger.WarnContext(ctx, "wire: redis not configured, single-instance mode")
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		if db == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive requires postgres")
		}
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), db, db, logger)
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
