package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
)

// DDLTransactionMode controls whether a table's index DDL runs in one transaction.
type DDLTransactionMode string

const (
	// DDLTxAuto wraps a table batch only on backends with transactional DDL
	// (postgres, sqlite). MySQL commits each DDL statement implicitly.
	DDLTxAuto   DDLTransactionMode = "auto"
	DDLTxAlways DDLTransactionMode = "always"
	DDLTxNever  DDLTransactionMode = "never"
)

// Transactional reports whether a table batch on dialect should run inside a transaction.
func (m DDLTransactionMode) Transactional(dialect string) bool {
	switch m {
	case DDLTxAlways:
		return true
	case DDLTxNever:
		return false
	default:
		return SupportsTransactionalDDL(dialect)
	}
}

// SupportsTransactionalDDL reports whether DDL on dialect can be rolled back.
func SupportsTransactionalDDL(dialect string) bool {
	switch strings.ToLower(dialect) {
	case "postgres", "sqlite":
		return true
	default:
		return false
	}
}

type Config struct {
	// Synchronization
	EntitiesFile          string             `env:"ENTITIES_FILE" envDefault:"entities.yaml"`
	DropSchema            bool               `env:"DROP_SCHEMA" envDefault:"false"` // rebuild every declared table's indexes at startup
	SyncOnStartup         bool               `env:"SYNC_ON_STARTUP" envDefault:"true"`
	DDLTransactionMode    DDLTransactionMode `env:"DDL_TRANSACTION_MODE" envDefault:"auto"`
	UnmanagedIndexPattern string             `env:"UNMANAGED_INDEX_PATTERN" envDefault:""`

	// Connection retry
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`

	// Connection Pool
	ConnPoolSize    int           `env:"CONN_POOL_SIZE" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`

	// Observability, admin surface & debugging
	EnableJsonLogging bool   `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	DebugMode         bool   `env:"DEBUG_MODE" envDefault:"false"`
	EnablePprof       bool   `env:"ENABLE_PPROF" envDefault:"false"`
	HTTPPort          int    `env:"HTTP_PORT" envDefault:"9091"` // /metrics, /healthz, /readyz, /admin, /debug/pprof
	AdminToken        string `env:"ADMIN_TOKEN" envDefault:""`   // empty disables /admin

	// Vault
	VaultEnabled    bool   `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr       string `env:"VAULT_ADDR" envDefault:"https://127.0.0.1:8200"`
	VaultToken      string `env:"VAULT_TOKEN" envDefault:""`
	VaultCACert     string `env:"VAULT_CACERT" envDefault:""`
	VaultSkipVerify bool   `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	VaultMountPath  string `env:"VAULT_MOUNT_PATH" envDefault:"secret"`
	DBSecretPath    string `env:"DB_SECRET_PATH" envDefault:""`
	DBUsernameKey   string `env:"DB_USERNAME_KEY" envDefault:"username"`
	DBPasswordKey   string `env:"DB_PASSWORD_KEY" envDefault:"password"`

	DB DatabaseConfig `envPrefix:"DB_"`
}

type DatabaseConfig struct {
	Dialect      string `env:"DIALECT,required"`
	Host         string `env:"HOST" envDefault:""`
	Port         int    `env:"PORT" envDefault:"0"`
	User         string `env:"USER" envDefault:""`
	Password     string `env:"PASSWORD" envDefault:""` // or Vault via DB_SECRET_PATH
	DBName       string `env:"DBNAME,required"`        // file path for sqlite
	SSLMode      string `env:"SSLMODE" envDefault:"disable"`
	SQLiteDriver string `env:"SQLITE_DRIVER" envDefault:"sqlite"` // sqlite (pure Go) or sqlite3 (cgo)
}

func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{RequiredIfNoDef: true}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate normalises and checks cfg. It is also called after CLI overrides.
func Validate(cfg *Config) error {
	cfg.DB.Dialect = strings.ToLower(cfg.DB.Dialect)
	allowedDialects := map[string]bool{"mysql": true, "postgres": true, "sqlite": true}
	if !allowedDialects[cfg.DB.Dialect] {
		return fmt.Errorf("invalid database dialect: %s. Valid options: %v",
			cfg.DB.Dialect, getMapKeys(allowedDialects))
	}

	cfg.DDLTransactionMode = DDLTransactionMode(strings.ToLower(string(cfg.DDLTransactionMode)))
	switch cfg.DDLTransactionMode {
	case DDLTxAuto, DDLTxAlways, DDLTxNever:
	default:
		return fmt.Errorf("invalid DDL transaction mode: %s. Valid options: %s, %s, %s",
			cfg.DDLTransactionMode, DDLTxAuto, DDLTxAlways, DDLTxNever)
	}
	if cfg.DDLTransactionMode == DDLTxAlways && !SupportsTransactionalDDL(cfg.DB.Dialect) {
		return fmt.Errorf("DDL transaction mode %s is not supported for %s: DDL statements commit implicitly", DDLTxAlways, cfg.DB.Dialect)
	}

	if _, err := cfg.UnmanagedPattern(); err != nil {
		return err
	}

	validatePort := func(port int, name string) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
		return nil
	}
	if cfg.DB.Dialect != "sqlite" {
		if cfg.DB.Host == "" {
			return fmt.Errorf("database host is required for dialect %s", cfg.DB.Dialect)
		}
		if err := validatePort(cfg.DB.Port, "database"); err != nil {
			return err
		}
	}
	if err := validatePort(cfg.HTTPPort, "http"); err != nil {
		return err
	}

	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if cfg.ConnPoolSize <= 0 {
		return fmt.Errorf("connection pool size must be positive")
	}
	if strings.TrimSpace(cfg.EntitiesFile) == "" {
		return fmt.Errorf("entities file path cannot be empty")
	}

	validSSL := map[string]bool{
		"disable":     true,
		"allow":       true,
		"prefer":      true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if isSSLModeRelevant(cfg.DB.Dialect) && !validSSL[strings.ToLower(cfg.DB.SSLMode)] {
		return fmt.Errorf("invalid SSL mode for database: %s", cfg.DB.SSLMode)
	}

	if cfg.DB.Dialect == "sqlite" {
		switch cfg.DB.SQLiteDriver {
		case "sqlite", "sqlite3":
		default:
			return fmt.Errorf("invalid sqlite driver: %s. Valid options: sqlite, sqlite3", cfg.DB.SQLiteDriver)
		}
	}

	if cfg.VaultEnabled && cfg.VaultAddr == "" {
		return fmt.Errorf("VAULT_ADDR is required when Vault is enabled")
	}

	return nil
}

// UnmanagedPattern compiles UnmanagedIndexPattern, returning nil when unset.
func (c *Config) UnmanagedPattern() (*regexp.Regexp, error) {
	if c.UnmanagedIndexPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.UnmanagedIndexPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid unmanaged index pattern %q: %w", c.UnmanagedIndexPattern, err)
	}
	return re, nil
}

func getMapKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isSSLModeRelevant(dialect string) bool {
	switch strings.ToLower(dialect) {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
