// Package config loads project settings from kgschema.yml (or any format
// viper reads) with KGSCHEMA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KGSCHEMA_STORE_DRIVER.
const EnvPrefix = "KGSCHEMA"

// Config holds project-level settings.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Schema    SchemaConfig    `mapstructure:"schema"`
	Migration MigrationConfig `mapstructure:"migration"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// Dir is the project directory the config was loaded from.
	Dir string `mapstructure:"-"`
	// File is the config file used, empty when defaults and env only.
	File string `mapstructure:"-"`
}

// StoreConfig selects the graph store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// SchemaConfig points at the authored definition.
type SchemaConfig struct {
	File          string   `mapstructure:"file"`
	IgnoredLabels []string `mapstructure:"ignoredLabels"`
}

// MigrationConfig tunes the migration engine.
type MigrationConfig struct {
	BatchSize int           `mapstructure:"batchSize"`
	LockTTL   time.Duration `mapstructure:"lockTTL"`
	LockName  string        `mapstructure:"lockName"`
	Owner     string        `mapstructure:"owner"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// MetricsConfig configures the Prometheus endpoint served by `kgschema serve`.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

var drivers = []string{"memory", "sqlite", "kuzu"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", ".kgschema/graph.db")
	v.SetDefault("schema.file", "schema.yaml")
	v.SetDefault("schema.ignoredLabels", []string{"Document", "Chunk"})
	v.SetDefault("migration.batchSize", 1000)
	v.SetDefault("migration.lockTTL", 10*time.Minute)
	v.SetDefault("migration.lockName", "schema-migration")
	v.SetDefault("migration.owner", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 28)
	v.SetDefault("metrics.addr", "")
}

// Load reads kgschema.{yml,yaml,json,toml} from dir. A missing file is not
// an error: defaults and environment overrides still apply. Relative paths
// are resolved against dir.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("kgschema")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Dir = dir
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Store.Path = resolve(dir, cfg.Store.Path)
	cfg.Schema.File = resolve(dir, cfg.Schema.File)
	if cfg.Log.File != "" {
		cfg.Log.File = resolve(dir, cfg.Log.File)
	}
	return &cfg, nil
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	if !slices.Contains(drivers, c.Store.Driver) {
		return fmt.Errorf("config: store.driver %q must be one of %s", c.Store.Driver, strings.Join(drivers, ", "))
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("config: migration.batchSize must be positive, got %d", c.Migration.BatchSize)
	}
	if c.Migration.LockTTL <= 0 {
		return fmt.Errorf("config: migration.lockTTL must be positive, got %s", c.Migration.LockTTL)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format %q must be console or json", c.Log.Format)
	}
	return nil
}

func resolve(dir, path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
