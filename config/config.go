/*
Package config loads server configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. .env file in the working directory (optional, via godotenv)
  3. ENGINE_* environment variables
  4. Command-line flags (-port, -db, -store, -dsn, -seed-plans, -sweep-interval)

ENVIRONMENT:
  ENGINE_PORT                 HTTP port (8080)
  ENGINE_JWT_SECRET           HS256 secret for bearer tokens
  ENGINE_CORS_ORIGINS         comma-separated allowed origins
  ENGINE_STORE                memory | sqlite | postgres (sqlite)
  ENGINE_DB                   SQLite path (profit-engine.db)
  ENGINE_DATABASE_URL         PostgreSQL DSN
  ENGINE_DB_MAX_CONNS         PostgreSQL pool size (10)
  ENGINE_RETRY_ATTEMPTS       optimistic retry attempts (5)
  ENGINE_STORE_TIMEOUT        per-attempt store timeout (5s)
  ENGINE_SWEEP_ENABLED        run the background sweep (true)
  ENGINE_SWEEP_INTERVAL       sweep interval (1m)
  ENGINE_SWEEP_TIMEOUT        limit on one sweep, 0 = none (30m)
  ENGINE_SWEEP_CONCURRENCY    users swept in parallel (8)
  ENGINE_SWEEP_PARTITION      this instance's partition (0)
  ENGINE_SWEEP_PARTITIONS     total partitions, 0 or 1 = unsharded
  ENGINE_KAFKA_BROKERS        comma-separated brokers; empty disables Kafka
  ENGINE_KAFKA_TOPIC          topic (profit-engine.events)
  ENGINE_LOG_LEVEL            debug | info | warn | error (info)
  ENGINE_LOG_FORMAT           text | json (text)
  ENGINE_SIGNUP_BONUS         base signup bonus (20)
  ENGINE_REFERRED_BONUS       signup bonus with a valid referral code (50)
  ENGINE_COMMISSION_EVERY_DEPOSIT  pay commission on every deposit (false)
  ENGINE_SEED_PLANS           seed the default plan catalogue (true)

SEE ALSO:
  - logging.go: NewLogger
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Sweep     SweepConfig
	Kafka     KafkaConfig
	Log       LogConfig
	Referral  ReferralConfig
	SeedPlans bool
}

type ServerConfig struct {
	Port            int
	JWTSecret       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	Driver        string
	Path          string
	DSN           string
	MaxConns      int32
	RetryAttempts int
	Timeout       time.Duration
}

type SweepConfig struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Partition   int
	Partitions  int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type ReferralConfig struct {
	BaseBonus     decimal.Decimal
	ReferredBonus decimal.Decimal
	EveryDeposit  bool
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads .env, the environment and then args (normally os.Args[1:]).
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		Server: ServerConfig{
			Port:            env.Int("ENGINE_PORT", 8080),
			JWTSecret:       env.String("ENGINE_JWT_SECRET", ""),
			AllowedOrigins:  env.List("ENGINE_CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
			ShutdownTimeout: env.Duration("ENGINE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			Driver:        env.String("ENGINE_STORE", DriverSQLite),
			Path:          env.String("ENGINE_DB", "profit-engine.db"),
			DSN:           env.String("ENGINE_DATABASE_URL", ""),
			MaxConns:      int32(env.Int("ENGINE_DB_MAX_CONNS", 10)),
			RetryAttempts: env.Int("ENGINE_RETRY_ATTEMPTS", 5),
			Timeout:       env.Duration("ENGINE_STORE_TIMEOUT", 5*time.Second),
		},
		Sweep: SweepConfig{
			Enabled:     env.Bool("ENGINE_SWEEP_ENABLED", true),
			Interval:    env.Duration("ENGINE_SWEEP_INTERVAL", time.Minute),
			Timeout:     env.Duration("ENGINE_SWEEP_TIMEOUT", 30*time.Minute),
			Concurrency: env.Int("ENGINE_SWEEP_CONCURRENCY", 8),
			Partition:   env.Int("ENGINE_SWEEP_PARTITION", 0),
			Partitions:  env.Int("ENGINE_SWEEP_PARTITIONS", 0),
		},
		Kafka: KafkaConfig{
			Brokers: env.List("ENGINE_KAFKA_BROKERS", nil),
			Topic:   env.String("ENGINE_KAFKA_TOPIC", "profit-engine.events"),
		},
		Log: LogConfig{
			Level:  env.String("ENGINE_LOG_LEVEL", "info"),
			Format: env.String("ENGINE_LOG_FORMAT", "text"),
		},
		Referral: ReferralConfig{
			BaseBonus:     env.Decimal("ENGINE_SIGNUP_BONUS", decimal.NewFromInt(20)),
			ReferredBonus: env.Decimal("ENGINE_REFERRED_BONUS", decimal.NewFromInt(50)),
			EveryDeposit:  env.Bool("ENGINE_COMMISSION_EVERY_DEPOSIT", false),
		},
		SeedPlans: env.Bool("ENGINE_SEED_PLANS", true),
	}
	if err := env.Err(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("profit-engine", flag.ContinueOnError)
	fs.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "HTTP server port")
	fs.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "store driver: memory, sqlite or postgres")
	fs.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.Store.DSN, "dsn", cfg.Store.DSN, "PostgreSQL connection string")
	fs.BoolVar(&cfg.SeedPlans, "seed-plans", cfg.SeedPlans, "seed the default plan catalogue")
	fs.DurationVar(&cfg.Sweep.Interval, "sweep-interval", cfg.Sweep.Interval, "background sweep interval")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("postgres store requires ENGINE_DATABASE_URL or -dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Store.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.Sweep.Timeout < 0 {
		errs = append(errs, errors.New("sweep timeout must not be negative"))
	}
	if c.Sweep.Partitions > 1 && (c.Sweep.Partition < 0 || c.Sweep.Partition >= c.Sweep.Partitions) {
		errs = append(errs, fmt.Errorf("sweep partition %d out of range [0,%d)", c.Sweep.Partition, c.Sweep.Partitions))
	}
	if c.Referral.BaseBonus.IsNegative() || c.Referral.ReferredBonus.IsNegative() {
		errs = append(errs, errors.New("signup bonuses must not be negative"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENVIRONMENT HELPERS
// =============================================================================

// envReader reads typed variables and remembers the first parse failures.
type envReader struct {
	errs []error
}

func (r *envReader) Err() error { return errors.Join(r.errs...) }

func (r *envReader) String(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) Int(key string, defaultValue int) int {
	raw := r.String(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	raw := r.String(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	raw := r.String(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (r *envReader) Decimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	raw := r.String(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (r *envReader) List(key string, defaultValue []string) []string {
	raw := r.String(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
