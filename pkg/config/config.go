package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for mdm-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3600"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL, the engine's own store)
	Database DatabaseConfig `yaml:"database"`

	// External source connector DSNs
	Source SourceConfig `yaml:"source"`

	// Sync engine tuning
	Sync SyncConfig `yaml:"sync"`

	// Grouping engine tuning
	Grouping GroupingConfig `yaml:"grouping"`

	// Naming-suggestion collaborator (optional)
	Naming NamingConfig `yaml:"naming"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"mdm"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"mdm_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// SourceConfig holds connection strings for the external sources records are
// mirrored from. DSNs carry credentials, so they are environment-only.
type SourceConfig struct {
	MSSQLDSN    string `yaml:"-" env:"SOURCE_MSSQL_DSN"`
	PostgresDSN string `yaml:"-" env:"SOURCE_POSTGRES_DSN"`
}

// SyncConfig holds sync engine tuning knobs.
type SyncConfig struct {
	// TickInterval is how often the scheduler scans for due configurations.
	TickInterval time.Duration `yaml:"tick_interval" env:"SYNC_TICK_INTERVAL" env-default:"15s"`

	// PageSize is the number of external records fetched per connector page.
	PageSize int `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"500"`

	// PageWorkers is the number of goroutines hashing/classifying records
	// within one page. Records have no cross-record dependency.
	PageWorkers int `yaml:"page_workers" env:"SYNC_PAGE_WORKERS" env-default:"8"`

	// DeletionMisses is the number of consecutive runs a record must be absent
	// from the external set before it is hard-deleted. The first miss only
	// marks it pending, so a single transient fetch gap never deletes data.
	DeletionMisses int `yaml:"deletion_misses" env:"SYNC_DELETION_MISSES" env-default:"2"`

	// ErrorLookback is the window within which repeated failures of the same
	// natural key continue the attempt counter instead of restarting at 1.
	ErrorLookback time.Duration `yaml:"error_lookback" env:"SYNC_ERROR_LOOKBACK" env-default:"168h"`

	// MaxAttempts is informational: errors at or above it are flagged for
	// manual resolution in listings. They are never dropped automatically.
	MaxAttempts int `yaml:"max_attempts" env:"SYNC_MAX_ATTEMPTS" env-default:"5"`

	// ConnectorTimeout bounds a single page fetch against the external source.
	ConnectorTimeout time.Duration `yaml:"connector_timeout" env:"SYNC_CONNECTOR_TIMEOUT" env-default:"60s"`
}

// GroupingConfig holds grouping engine settings.
type GroupingConfig struct {
	// PrefixFields is the number of leading natural-key fields that form the
	// derived group key when no manual override is set.
	PrefixFields int `yaml:"prefix_fields" env:"GROUPING_PREFIX_FIELDS" env-default:"2"`
}

// NamingConfig holds the naming-suggestion collaborator settings.
// Suggestion is best-effort; when Provider is empty it is disabled.
type NamingConfig struct {
	Provider string `yaml:"provider" env:"NAMING_PROVIDER" env-default:""` // "openai", "anthropic" or ""
	BaseURL  string `yaml:"base_url" env:"NAMING_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"NAMING_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"NAMING_API_KEY"` // Secret - not in YAML
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be at least 1, got %d", c.Sync.PageSize)
	}
	if c.Sync.PageWorkers < 1 {
		return fmt.Errorf("sync.page_workers must be at least 1, got %d", c.Sync.PageWorkers)
	}
	if c.Sync.DeletionMisses < 1 {
		return fmt.Errorf("sync.deletion_misses must be at least 1, got %d", c.Sync.DeletionMisses)
	}
	if c.Grouping.PrefixFields < 1 {
		return fmt.Errorf("grouping.prefix_fields must be at least 1, got %d", c.Grouping.PrefixFields)
	}
	switch c.Naming.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("naming.provider must be \"openai\", \"anthropic\" or empty, got %q", c.Naming.Provider)
	}
	if c.Naming.Provider != "" && c.Naming.Model == "" {
		return fmt.Errorf("naming.model is required when naming.provider is set")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
