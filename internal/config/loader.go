package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LIFEPERP_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LIFEPERP_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "LIFEPERP_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LIFEPERP_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LIFEPERP_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LIFEPERP_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "LIFEPERP_DATABASE_USER")
	setStr(&cfg.Database.Password, "LIFEPERP_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LIFEPERP_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "LIFEPERP_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LIFEPERP_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LIFEPERP_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIFEPERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIFEPERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIFEPERP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIFEPERP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIFEPERP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIFEPERP_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LIFEPERP_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LIFEPERP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LIFEPERP_S3_REGION")
	setStr(&cfg.S3.Bucket, "LIFEPERP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LIFEPERP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LIFEPERP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LIFEPERP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LIFEPERP_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "LIFEPERP_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "LIFEPERP_S3_ARCHIVE_CRON")

	// ── Feed ──
	setStr(&cfg.Feed.MinValid, "LIFEPERP_FEED_MIN_VALID")
	setStr(&cfg.Feed.MaxValid, "LIFEPERP_FEED_MAX_VALID")
	setStr(&cfg.Feed.MaxCrossReporterDeviation, "LIFEPERP_FEED_MAX_CROSS_REPORTER_DEVIATION")
	setInt(&cfg.Feed.MinReputableReporters, "LIFEPERP_FEED_MIN_REPUTABLE_REPORTERS")
	setStr(&cfg.Feed.ReputationThreshold, "LIFEPERP_FEED_REPUTATION_THRESHOLD")
	setDuration(&cfg.Feed.GlobalHeartbeat, "LIFEPERP_FEED_GLOBAL_HEARTBEAT")
	setDuration(&cfg.Feed.BreakerCooldown, "LIFEPERP_FEED_BREAKER_COOLDOWN")
	setInt(&cfg.Feed.SubmitLimit, "LIFEPERP_FEED_SUBMIT_LIMIT")
	setDuration(&cfg.Feed.SubmitWindow, "LIFEPERP_FEED_SUBMIT_WINDOW")

	// ── Market ──
	setStr(&cfg.Market.WSURL, "LIFEPERP_MARKET_WS_URL")
	setStr(&cfg.Market.Symbol, "LIFEPERP_MARKET_SYMBOL")
	setDuration(&cfg.Market.MaxStaleness, "LIFEPERP_MARKET_MAX_STALENESS")

	// ── Risk ──
	setStr(&cfg.Risk.MaintenanceMargin, "LIFEPERP_RISK_MAINTENANCE_MARGIN")
	setStr(&cfg.Risk.MaxLeverage, "LIFEPERP_RISK_MAX_LEVERAGE")
	setStr(&cfg.Risk.LiquidationPenaltyRate, "LIFEPERP_RISK_LIQUIDATION_PENALTY_RATE")
	setStr(&cfg.Risk.FundingRateCap, "LIFEPERP_RISK_FUNDING_RATE_CAP")
	setStr(&cfg.Risk.FundingMultiplier, "LIFEPERP_RISK_FUNDING_MULTIPLIER")
	setDuration(&cfg.Risk.FundingInterval, "LIFEPERP_RISK_FUNDING_INTERVAL")
	setInt(&cfg.Risk.SettlementBatchSize, "LIFEPERP_RISK_SETTLEMENT_BATCH_SIZE")
	setStr(&cfg.Risk.InsuranceAccount, "LIFEPERP_RISK_INSURANCE_ACCOUNT")

	// ── Admin ──
	setStr(&cfg.Admin.ApiKey, "LIFEPERP_ADMIN_API_KEY")
	setStr(&cfg.Admin.ApiSecret, "LIFEPERP_ADMIN_API_SECRET")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LIFEPERP_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LIFEPERP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LIFEPERP_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LIFEPERP_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LIFEPERP_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LIFEPERP_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIFEPERP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIFEPERP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIFEPERP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LIFEPERP_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIFEPERP_MODE")
	setStr(&cfg.LogLevel, "LIFEPERP_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
