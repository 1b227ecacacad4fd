package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	Store       string `mapstructure:"STORE"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	CodeCacheTTL time.Duration `mapstructure:"CODE_CACHE_TTL"`

	ClearinghouseMode       string        `mapstructure:"CLEARINGHOUSE_MODE"`
	ClearinghouseURL        string        `mapstructure:"CLEARINGHOUSE_URL"`
	ClearinghouseClientID   string        `mapstructure:"CLEARINGHOUSE_CLIENT_ID"`
	ClearinghouseSigningKey string        `mapstructure:"CLEARINGHOUSE_SIGNING_KEY"`
	ClearinghouseRetryMax   int           `mapstructure:"CLEARINGHOUSE_RETRY_MAX"`
	ClearinghouseRPS        float64       `mapstructure:"CLEARINGHOUSE_RPS"`
	GatewayTimeout          time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	SimulatorRejectPayers   []string      `mapstructure:"SIMULATOR_REJECT_PAYERS"`

	ScrubRulesFile string `mapstructure:"SCRUB_RULES_FILE"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `mapstructure:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveUseSSL    bool   `mapstructure:"ARCHIVE_USE_SSL"`

	RemitWorkers int `mapstructure:"REMIT_WORKERS"`

	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RemittanceBodyLimit string        `mapstructure:"REMITTANCE_BODY_LIMIT"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE",
	"REDIS_URL", "CODE_CACHE_TTL",
	"CLEARINGHOUSE_MODE", "CLEARINGHOUSE_URL", "CLEARINGHOUSE_CLIENT_ID", "CLEARINGHOUSE_SIGNING_KEY",
	"CLEARINGHOUSE_RETRY_MAX", "CLEARINGHOUSE_RPS", "GATEWAY_TIMEOUT", "SIMULATOR_REJECT_PAYERS",
	"SCRUB_RULES_FILE",
	"AMQP_URL", "AMQP_EXCHANGE",
	"ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY", "ARCHIVE_BUCKET", "ARCHIVE_USE_SSL",
	"REMIT_WORKERS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "REMITTANCE_BODY_LIMIT", "CORS_ORIGINS",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads .env (if present) and the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("CODE_CACHE_TTL", "1h")
	v.SetDefault("CLEARINGHOUSE_MODE", "simulated")
	v.SetDefault("CLEARINGHOUSE_RETRY_MAX", 3)
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("AMQP_EXCHANGE", "revcycle.events")
	v.SetDefault("ARCHIVE_BUCKET", "remittances")
	v.SetDefault("REMIT_WORKERS", 4)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REMITTANCE_BODY_LIMIT", "20M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.SimulatorRejectPayers = splitList(cfg.SimulatorRejectPayers)
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.ClearinghouseMode = strings.ToLower(strings.TrimSpace(cfg.ClearinghouseMode))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.ClearinghouseMode {
	case "", "simulated":
		if c.IsProduction() {
			return fmt.Errorf("CLEARINGHOUSE_MODE=simulated is not allowed in production")
		}
	case "live":
		if c.ClearinghouseURL == "" {
			return fmt.Errorf("CLEARINGHOUSE_URL is required when CLEARINGHOUSE_MODE is \"live\"")
		}
		if c.ClearinghouseClientID == "" || c.ClearinghouseSigningKey == "" {
			return fmt.Errorf("CLEARINGHOUSE_CLIENT_ID and CLEARINGHOUSE_SIGNING_KEY are required when CLEARINGHOUSE_MODE is \"live\"")
		}
	default:
		return fmt.Errorf("CLEARINGHOUSE_MODE must be \"simulated\" or \"live\", got %q", c.ClearinghouseMode)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.ClearinghouseRetryMax < 0 {
		return fmt.Errorf("CLEARINGHOUSE_RETRY_MAX must not be negative")
	}

	if c.ArchiveEndpoint != "" && (c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "") {
		return fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set")
	}
	if c.RemitWorkers < 1 {
		return fmt.Errorf("REMIT_WORKERS must be at least 1, got %d", c.RemitWorkers)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
