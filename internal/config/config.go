package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/allocstats/internal/domain/scope"
	"github.com/ehr/allocstats/internal/platform/db"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	StatsTimezone     string        `mapstructure:"STATS_TIMEZONE"`
	StatsAnchorDate   string        `mapstructure:"STATS_ANCHOR_DATE"`
	StatsTopN         int           `mapstructure:"STATS_TOP_N"`
	StatsSliceTopN    int           `mapstructure:"STATS_SLICE_TOP_N"`
	RollupConcurrency int           `mapstructure:"ROLLUP_CONCURRENCY"`
	WorkerPoll        time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`
	WorkerMaxAttempts int           `mapstructure:"WORKER_MAX_ATTEMPTS"`
	WorkerLeaseTTL    time.Duration `mapstructure:"WORKER_LEASE_TTL"`
	OTelEndpoint      string        `mapstructure:"OTEL_ENDPOINT"`
	OTelSampleRatio   float64       `mapstructure:"OTEL_SAMPLE_RATIO"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"STATS_TIMEZONE", "STATS_ANCHOR_DATE", "STATS_TOP_N", "STATS_SLICE_TOP_N",
	"ROLLUP_CONCURRENCY",
	"WORKER_POLL_INTERVAL", "WORKER_MAX_ATTEMPTS", "WORKER_LEASE_TTL",
	"OTEL_ENDPOINT", "OTEL_SAMPLE_RATIO",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("STATS_TIMEZONE", "Europe/Berlin")
	v.SetDefault("STATS_ANCHOR_DATE", "2018-01-01")
	v.SetDefault("STATS_TOP_N", 10)
	v.SetDefault("STATS_SLICE_TOP_N", 10)
	v.SetDefault("ROLLUP_CONCURRENCY", 1)
	v.SetDefault("WORKER_POLL_INTERVAL", "5s")
	v.SetDefault("WORKER_MAX_ATTEMPTS", 3)
	v.SetDefault("WORKER_LEASE_TTL", "10m")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings that would otherwise fail deep inside a
// rebuild: the statistics calendar, the ranking limits and the schema name.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.StatsTimezone); err != nil {
		return fmt.Errorf("STATS_TIMEZONE %q: %w", c.StatsTimezone, err)
	}
	if _, err := scope.ParseDate(c.StatsAnchorDate); err != nil {
		return fmt.Errorf("STATS_ANCHOR_DATE: %w", err)
	}
	if c.StatsTopN <= 0 {
		return fmt.Errorf("STATS_TOP_N must be positive, got %d", c.StatsTopN)
	}
	if c.StatsSliceTopN <= 0 {
		return fmt.Errorf("STATS_SLICE_TOP_N must be positive, got %d", c.StatsSliceTopN)
	}
	if c.RollupConcurrency <= 0 {
		return fmt.Errorf("ROLLUP_CONCURRENCY must be positive, got %d", c.RollupConcurrency)
	}
	if c.WorkerMaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", c.WorkerMaxAttempts)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if err := db.ValidSchema(c.DBSchema); err != nil {
		return fmt.Errorf("DB_SCHEMA: %w", err)
	}
	return nil
}

// Calendar builds the statistics calendar. Call Validate first.
func (c *Config) Calendar() (*scope.Calendar, error) {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	anchor, err := scope.ParseDate(c.StatsAnchorDate)
	if err != nil {
		return nil, fmt.Errorf("parse anchor date: %w", err)
	}
	return scope.NewCalendar(loc, anchor), nil
}

// Pool returns the connection pool settings.
func (c *Config) Pool() db.PoolConfig {
	return db.PoolConfig{
		URL:      c.DatabaseURL,
		MaxConns: c.DBMaxConns,
		MinConns: c.DBMinConns,
		Schema:   c.DBSchema,
	}
}
