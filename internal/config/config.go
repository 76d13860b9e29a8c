// Package config defines the top-level configuration for the lifeperp engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LIFEPERP_* environment variables.
//
// Rates and thresholds are strings, not floats: they are parsed into exact
// decimals and a binary float in the middle would change settlement outcomes.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Market   MarketConfig   `toml:"market"`
	Risk     RiskSection    `toml:"risk"`
	Admin    AdminConfig    `toml:"admin"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
	ArchiveCron    string `toml:"archive_cron"`
}

// FeedConfig holds the index-feed aggregation policy.
type FeedConfig struct {
	MinValid                  string   `toml:"min_valid"`
	MaxValid                  string   `toml:"max_valid"`
	MaxCrossReporterDeviation string   `toml:"max_cross_reporter_deviation"`
	MinReputableReporters     int      `toml:"min_reputable_reporters"`
	ReputationThreshold       string   `toml:"reputation_threshold"`
	GlobalHeartbeat           duration `toml:"global_heartbeat"`
	BreakerCooldown           duration `toml:"breaker_cooldown"`

	// SubmitLimit/SubmitWindow throttle per-reporter submissions. Zero
	// disables throttling.
	SubmitLimit  int      `toml:"submit_limit"`
	SubmitWindow duration `toml:"submit_window"`
}

// MarketConfig holds the mark price feed parameters.
type MarketConfig struct {
	WSURL        string   `toml:"ws_url"`
	Symbol       string   `toml:"symbol"`
	MaxStaleness duration `toml:"max_staleness"`
}

// RiskSection holds position and settlement risk parameters.
type RiskSection struct {
	MaintenanceMargin      string   `toml:"maintenance_margin"`
	MaxLeverage            string   `toml:"max_leverage"`
	LiquidationPenaltyRate string   `toml:"liquidation_penalty_rate"`
	FundingRateCap         string   `toml:"funding_rate_cap"`
	FundingMultiplier      string   `toml:"funding_multiplier"`
	FundingInterval        duration `toml:"funding_interval"`
	SettlementBatchSize    int      `toml:"settlement_batch_size"`
	InsuranceAccount       string   `toml:"insurance_account"`
}

// AdminConfig holds HMAC credentials gating the admin API surface.
type AdminConfig struct {
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"` // empty disables bearer auth
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "lifeperp",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lifeperp-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
			ArchiveCron:    "0 3 1 * *",
		},
		Feed: FeedConfig{
			MinValid:                  "1",
			MaxValid:                  "10000",
			MaxCrossReporterDeviation: "0.10",
			MinReputableReporters:     1,
			ReputationThreshold:       "0.5",
			GlobalHeartbeat:           duration{5 * time.Minute},
			BreakerCooldown:           duration{10 * time.Minute},
			SubmitLimit:               10,
			SubmitWindow:              duration{time.Minute},
		},
		Market: MarketConfig{
			Symbol:       "LIFE-PERP",
			MaxStaleness: duration{2 * time.Minute},
		},
		Risk: RiskSection{
			MaintenanceMargin:      "10",
			MaxLeverage:            "20",
			LiquidationPenaltyRate: "0.05",
			FundingRateCap:         "0.0005",
			FundingMultiplier:      "0.125",
			FundingInterval:        duration{8 * time.Hour},
			SettlementBatchSize:    100,
			InsuranceAccount:       "insurance",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_liquidated", "breaker_tripped", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// FeedPolicy converts the feed section into its domain form. Call Validate
// first; conversion assumes parseable values.
func (c *Config) FeedPolicy() (domain.FeedPolicy, error) {
	minValid, err := decimal.NewFromString(c.Feed.MinValid)
	if err != nil {
		return domain.FeedPolicy{}, fmt.Errorf("config: feed.min_valid: %w", err)
	}
	maxValid, err := decimal.NewFromString(c.Feed.MaxValid)
	if err != nil {
		return domain.FeedPolicy{}, fmt.Errorf("config: feed.max_valid: %w", err)
	}
	maxDev, err := decimal.NewFromString(c.Feed.MaxCrossReporterDeviation)
	if err != nil {
		return domain.FeedPolicy{}, fmt.Errorf("config: feed.max_cross_reporter_deviation: %w", err)
	}
	repThreshold, err := decimal.NewFromString(c.Feed.ReputationThreshold)
	if err != nil {
		return domain.FeedPolicy{}, fmt.Errorf("config: feed.reputation_threshold: %w", err)
	}

	return domain.FeedPolicy{
		MinValid:                  minValid,
		MaxValid:                  maxValid,
		MaxCrossReporterDeviation: maxDev,
		MinReputableReporters:     c.Feed.MinReputableReporters,
		ReputationThreshold:       repThreshold,
		GlobalHeartbeat:           c.Feed.GlobalHeartbeat.Duration,
		BreakerCooldown:           c.Feed.BreakerCooldown.Duration,
	}, nil
}

// RiskConfig converts the risk section into its domain form.
func (c *Config) RiskConfig() (domain.RiskConfig, error) {
	maintenance, err := decimal.NewFromString(c.Risk.MaintenanceMargin)
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("config: risk.maintenance_margin: %w", err)
	}
	maxLeverage, err := decimal.NewFromString(c.Risk.MaxLeverage)
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("config: risk.max_leverage: %w", err)
	}
	penaltyRate, err := decimal.NewFromString(c.Risk.LiquidationPenaltyRate)
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("config: risk.liquidation_penalty_rate: %w", err)
	}
	rateCap, err := decimal.NewFromString(c.Risk.FundingRateCap)
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("config: risk.funding_rate_cap: %w", err)
	}
	multiplier, err := decimal.NewFromString(c.Risk.FundingMultiplier)
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("config: risk.funding_multiplier: %w", err)
	}

	return domain.RiskConfig{
		MaintenanceMargin:      maintenance,
		MaxLeverage:            maxLeverage,
		LiquidationPenaltyRate: penaltyRate,
		FundingRateCap:         rateCap,
		FundingMultiplier:      multiplier,
		FundingInterval:        c.Risk.FundingInterval.Duration,
		SettlementBatchSize:    c.Risk.SettlementBatchSize,
		UpdatedAt:              time.Now().UTC(),
	}, nil
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"sim":    true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, sim, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database checks. Sim mode runs fully in memory and skips them.
	if c.Mode != "sim" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}

		// Redis
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Feed
	errs = append(errs, validateDecimalField("feed.min_valid", c.Feed.MinValid, false)...)
	errs = append(errs, validateDecimalField("feed.max_valid", c.Feed.MaxValid, false)...)
	errs = append(errs, validateDecimalField("feed.max_cross_reporter_deviation", c.Feed.MaxCrossReporterDeviation, true)...)
	errs = append(errs, validateDecimalField("feed.reputation_threshold", c.Feed.ReputationThreshold, true)...)
	if minV, err1 := decimal.NewFromString(c.Feed.MinValid); err1 == nil {
		if maxV, err2 := decimal.NewFromString(c.Feed.MaxValid); err2 == nil && maxV.LessThan(minV) {
			errs = append(errs, "feed: max_valid must be >= min_valid")
		}
	}
	if c.Feed.MinReputableReporters < 1 {
		errs = append(errs, "feed: min_reputable_reporters must be >= 1")
	}
	if c.Feed.GlobalHeartbeat.Duration <= 0 {
		errs = append(errs, "feed: global_heartbeat must be positive")
	}
	if c.Feed.BreakerCooldown.Duration <= 0 {
		errs = append(errs, "feed: breaker_cooldown must be positive")
	}

	// Market
	if c.Market.Symbol == "" {
		errs = append(errs, "market: symbol must not be empty")
	}
	if c.Market.MaxStaleness.Duration < 0 {
		errs = append(errs, "market: max_staleness must not be negative")
	}

	// Risk
	errs = append(errs, validateDecimalField("risk.maintenance_margin", c.Risk.MaintenanceMargin, true)...)
	errs = append(errs, validateDecimalField("risk.max_leverage", c.Risk.MaxLeverage, false)...)
	errs = append(errs, validateDecimalField("risk.liquidation_penalty_rate", c.Risk.LiquidationPenaltyRate, true)...)
	errs = append(errs, validateDecimalField("risk.funding_rate_cap", c.Risk.FundingRateCap, true)...)
	errs = append(errs, validateDecimalField("risk.funding_multiplier", c.Risk.FundingMultiplier, true)...)
	if maxLev, err := decimal.NewFromString(c.Risk.MaxLeverage); err == nil && maxLev.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, "risk: max_leverage must be >= 1")
	}
	if rate, err := decimal.NewFromString(c.Risk.LiquidationPenaltyRate); err == nil {
		if rate.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, "risk: liquidation_penalty_rate must be <= 1")
		}
	}
	if c.Risk.FundingInterval.Duration <= 0 {
		errs = append(errs, "risk: funding_interval must be positive")
	}
	if c.Risk.SettlementBatchSize < 1 {
		errs = append(errs, "risk: settlement_batch_size must be >= 1")
	}
	if c.Risk.InsuranceAccount == "" {
		errs = append(errs, "risk: insurance_account must not be empty")
	}

	// Admin credentials must be set together, or both left empty.
	ak := c.Admin.ApiKey != ""
	as := c.Admin.ApiSecret != ""
	if ak != as {
		errs = append(errs, "admin: api_key and api_secret must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateDecimalField checks that the value parses as a decimal and, when
// nonNegative is set, that it is not below zero.
func validateDecimalField(name, value string, nonNegative bool) []string {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return []string{fmt.Sprintf("%s: %q is not a valid decimal", name, value)}
	}
	if nonNegative && d.IsNegative() {
		return []string{fmt.Sprintf("%s: must not be negative", name)}
	}
	return nil
}
