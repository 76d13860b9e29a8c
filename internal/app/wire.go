package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/novafund/lifeperp/internal/blob/s3"
	"github.com/novafund/lifeperp/internal/cache/redis"
	"github.com/novafund/lifeperp/internal/config"
	"github.com/novafund/lifeperp/internal/custody"
	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/notify"
	"github.com/novafund/lifeperp/internal/store/memory"
	"github.com/novafund/lifeperp/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Fields are nil when the selected mode does not wire them.
type Dependencies struct {
	// Stores
	PositionStore    domain.PositionStore
	ReporterStore    domain.ReporterStore
	FundingStore     domain.FundingStore
	LiquidationStore domain.LiquidationStore
	AuditStore       domain.AuditStore

	// Coordination and caches
	IndexCache  domain.IndexCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Collateral custody
	Custody domain.CustodyLedger

	// Notifications
	Notifier *notify.Notifier
}

// needsInfra returns true for modes that require Postgres and Redis. Sim mode
// runs fully in memory.
func needsInfra(mode string) bool {
	switch mode {
	case "engine", "server", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Custody: custody.NewMemory(),
	}

	if !needsInfra(cfg.Mode) {
		deps.PositionStore = memory.NewPositionStore()
		deps.ReporterStore = memory.NewReporterStore()
		deps.FundingStore = memory.NewFundingStore()
		deps.LiquidationStore = memory.NewLiquidationStore()
		deps.AuditStore = memory.NewAuditStore()
		deps.Notifier = notify.NewNotifier(nil, nil, logger)
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	positions := postgres.NewPositionStore(pool)
	funding := postgres.NewFundingStore(pool)
	audit := postgres.NewAuditStore(pool)
	deps.PositionStore = positions
	deps.ReporterStore = postgres.NewReporterStore(pool)
	deps.FundingStore = funding
	deps.LiquidationStore = postgres.NewLiquidationStore(pool)
	deps.AuditStore = audit

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.IndexCache = redis.NewIndexCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, positions, funding, audit, audit)
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
