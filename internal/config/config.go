package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Entry store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	EntryStore  string `mapstructure:"ENTRY_STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	ClinicTimezone  string        `mapstructure:"CLINIC_TIMEZONE"`
	RetentionWindow time.Duration `mapstructure:"RETENTION_WINDOW"`
	RetireInterval  time.Duration `mapstructure:"RETIRE_INTERVAL"`
	EntryLogDays    int           `mapstructure:"ENTRY_LOG_DAYS"`
	MutationTimeout time.Duration `mapstructure:"MUTATION_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	SourceURLs            []string      `mapstructure:"SOURCE_URLS"`
	SourcePollInterval    time.Duration `mapstructure:"SOURCE_POLL_INTERVAL"`
	SourcePollConcurrency int           `mapstructure:"SOURCE_POLL_CONCURRENCY"`

	AuditWebhookURL    string   `mapstructure:"AUDIT_WEBHOOK_URL"`
	AuditWebhookSecret string   `mapstructure:"AUDIT_WEBHOOK_SECRET"`
	AuditWebhookEvents []string `mapstructure:"AUDIT_WEBHOOK_EVENTS"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit string   `mapstructure:"BATCH_BODY_LIMIT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("ENTRY_STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "queue.db")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("RETENTION_WINDOW", "2h")
	v.SetDefault("RETIRE_INTERVAL", "1m")
	v.SetDefault("ENTRY_LOG_DAYS", 7)
	v.SetDefault("MUTATION_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SOURCE_POLL_INTERVAL", "30s")
	v.SetDefault("SOURCE_POLL_CONCURRENCY", 4)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "8M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "ENTRY_STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DB_SCHEMA", "SQLITE_PATH", "CLINIC_TIMEZONE", "RETENTION_WINDOW", "RETIRE_INTERVAL",
		"ENTRY_LOG_DAYS", "MUTATION_TIMEOUT", "REQUEST_TIMEOUT", "SOURCE_URLS",
		"SOURCE_POLL_INTERVAL", "SOURCE_POLL_CONCURRENCY", "AUDIT_WEBHOOK_URL", "AUDIT_WEBHOOK_SECRET",
		"AUDIT_WEBHOOK_EVENTS", "CORS_ORIGINS", "BODY_LIMIT", "BATCH_BODY_LIMIT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SourceURLs = splitList(cfg.SourceURLs, v.GetString("SOURCE_URLS"))
	cfg.AuditWebhookEvents = splitList(cfg.AuditWebhookEvents, v.GetString("AUDIT_WEBHOOK_EVENTS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.EntryStore = strings.ToLower(strings.TrimSpace(cfg.EntryStore))

	return cfg, nil
}

// splitList normalises a list setting. Env vars arrive as one
// comma-separated string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw, parsed = parsed[0], nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks cross-field rules the server relies on.
func (c *Config) Validate() error {
	switch c.EntryStore {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("ENTRY_STORE=memory loses the entry log on restart and is not allowed in production")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ENTRY_STORE is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when ENTRY_STORE is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("ENTRY_STORE must be %q, %q, or %q, got %q", StoreMemory, StorePostgres, StoreSQLite, c.EntryStore)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RetentionWindow < 0 {
		return fmt.Errorf("RETENTION_WINDOW must not be negative")
	}
	if c.RetireInterval < 0 {
		return fmt.Errorf("RETIRE_INTERVAL must not be negative")
	}
	if c.EntryLogDays < 0 {
		return fmt.Errorf("ENTRY_LOG_DAYS must not be negative")
	}
	if c.MutationTimeout <= 0 {
		return fmt.Errorf("MUTATION_TIMEOUT must be positive")
	}
	if c.RequestTimeout > 0 && c.MutationTimeout > c.RequestTimeout {
		return fmt.Errorf("MUTATION_TIMEOUT (%s) must not exceed REQUEST_TIMEOUT (%s)", c.MutationTimeout, c.RequestTimeout)
	}
	if len(c.SourceURLs) > 0 && c.SourcePollInterval <= 0 {
		return fmt.Errorf("SOURCE_POLL_INTERVAL must be positive when SOURCE_URLS is set")
	}
	if len(c.SourceURLs) > 0 && c.SourcePollConcurrency < 1 {
		return fmt.Errorf("SOURCE_POLL_CONCURRENCY must be at least 1 when SOURCE_URLS is set")
	}

	if c.AuditWebhookURL != "" && c.AuditWebhookSecret == "" {
		return fmt.Errorf("AUDIT_WEBHOOK_SECRET is required when AUDIT_WEBHOOK_URL is set")
	}
	if c.IsProduction() && c.AuditWebhookURL != "" && !strings.HasPrefix(c.AuditWebhookURL, "https://") {
		return fmt.Errorf("AUDIT_WEBHOOK_URL must use https in production")
	}

	return nil
}
