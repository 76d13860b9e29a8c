package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "turbo" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "unknown log_level"},
		{"bad db port", func(c *Config) { c.Database.Port = 99999 }, "database: port"},
		{"pool min over max", func(c *Config) { c.Database.PoolMinConns = 20 }, "pool_min_conns"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
		{"s3 enabled without bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"feed range inverted", func(c *Config) { c.Feed.MaxValid = "0.5" }, "max_valid must be >= min_valid"},
		{"bad decimal", func(c *Config) { c.Risk.MaxLeverage = "ten" }, "not a valid decimal"},
		{"leverage below one", func(c *Config) { c.Risk.MaxLeverage = "0.5" }, "max_leverage must be >= 1"},
		{"penalty above one", func(c *Config) { c.Risk.LiquidationPenaltyRate = "1.5" }, "liquidation_penalty_rate"},
		{"zero funding interval", func(c *Config) { c.Risk.FundingInterval = duration{} }, "funding_interval"},
		{"empty insurance account", func(c *Config) { c.Risk.InsuranceAccount = "" }, "insurance_account"},
		{"admin key without secret", func(c *Config) { c.Admin.ApiKey = "k" }, "set together"},
		{"zero reputable quorum", func(c *Config) { c.Feed.MinReputableReporters = 0 }, "min_reputable_reporters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSimModeSkipsInfraValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sim"
	cfg.Database.Host = ""
	cfg.Database.Database = ""
	cfg.Redis.Addr = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sim mode must not require infra settings: %v", err)
	}
}

func TestFeedPolicyConversion(t *testing.T) {
	cfg := Defaults()
	policy, err := cfg.FeedPolicy()
	if err != nil {
		t.Fatalf("feed policy: %v", err)
	}
	if policy.MinValid.String() != "1" || policy.MaxValid.String() != "10000" {
		t.Errorf("range = [%s, %s], want [1, 10000]", policy.MinValid, policy.MaxValid)
	}
	if policy.MaxCrossReporterDeviation.String() != "0.1" {
		t.Errorf("max deviation = %s, want 0.1", policy.MaxCrossReporterDeviation)
	}
	if policy.GlobalHeartbeat != 5*time.Minute {
		t.Errorf("heartbeat = %s, want 5m", policy.GlobalHeartbeat)
	}

	cfg.Feed.MinValid = "nope"
	if _, err := cfg.FeedPolicy(); err == nil {
		t.Error("bad min_valid accepted")
	}
}

func TestRiskConfigConversion(t *testing.T) {
	cfg := Defaults()
	rc, err := cfg.RiskConfig()
	if err != nil {
		t.Fatalf("risk config: %v", err)
	}
	if rc.FundingRateCap.String() != "0.0005" {
		t.Errorf("rate cap = %s, want 0.0005", rc.FundingRateCap)
	}
	if rc.FundingInterval != 8*time.Hour {
		t.Errorf("funding interval = %s, want 8h", rc.FundingInterval)
	}
	if rc.SettlementBatchSize != 100 {
		t.Errorf("batch size = %d, want 100", rc.SettlementBatchSize)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("duration = %s, want 90s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("bad duration accepted")
	}

	out, err := d.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "1m30s" {
		t.Errorf("marshaled = %s, want 1m30s", out)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "sim"
log_level = "debug"

[risk]
max_leverage = "10"
funding_interval = "4h"

[server]
port = 9100
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "sim" || cfg.LogLevel != "debug" {
		t.Errorf("mode/log_level = %s/%s, want sim/debug", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Risk.MaxLeverage != "10" {
		t.Errorf("max leverage = %s, want 10", cfg.Risk.MaxLeverage)
	}
	if cfg.Risk.FundingInterval.Duration != 4*time.Hour {
		t.Errorf("funding interval = %s, want 4h", cfg.Risk.FundingInterval.Duration)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.Database.Port != 5432 {
		t.Errorf("database port = %d, want default 5432", cfg.Database.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config must validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIFEPERP_MODE", "engine")
	t.Setenv("LIFEPERP_RISK_MAX_LEVERAGE", "15")
	t.Setenv("LIFEPERP_RISK_FUNDING_INTERVAL", "1h")
	t.Setenv("LIFEPERP_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "engine" {
		t.Errorf("mode = %s, want engine", cfg.Mode)
	}
	if cfg.Risk.MaxLeverage != "15" {
		t.Errorf("max leverage = %s, want 15", cfg.Risk.MaxLeverage)
	}
	if cfg.Risk.FundingInterval.Duration != time.Hour {
		t.Errorf("funding interval = %s, want 1h", cfg.Risk.FundingInterval.Duration)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("cors origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
}
