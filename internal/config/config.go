// Package config loads labqueue settings from defaults, an optional file and
// LABQUEUE_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"labqueue/internal/blob"
	"labqueue/internal/core"
	"labqueue/internal/mirror"
)

// EnvPrefix prefixes every environment override, e.g. LABQUEUE_STORAGE_DRIVER.
const EnvPrefix = "LABQUEUE"

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type StorageConfig struct {
	Driver      string        `mapstructure:"driver"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type BlobConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

type MirrorConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	// Textfile, when set, receives the registry in text format on exit.
	Textfile string `mapstructure:"textfile"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Output is a file path; empty or "stderr" writes to standard error.
	Output string `mapstructure:"output"`
}

var defaults = map[string]any{
	"storage.driver":       string(core.StorageSQLite),
	"storage.sqlite_path":  "labqueue.db",
	"storage.postgres_dsn": "",
	"storage.busy_timeout": "5s",
	"blob.driver":          string(blob.DriverFilesystem),
	"blob.fs_root":         "blobdata",
	"blob.s3.bucket":       "",
	"blob.s3.region":       "",
	"blob.s3.endpoint":     "",
	"blob.s3.path_style":   false,
	"mirror.dsn":           "",
	"mirror.table":         mirror.DefaultTable,
	"log.level":            "info",
	"log.format":           "text",
	"metrics.namespace":    "labqueue",
	"metrics.textfile":     "",
	"tracing.enabled":      false,
	"tracing.output":       "",
}

// Load reads the configuration. path may be empty; when set, the file's
// extension selects its format.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c Config) Validate() error {
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.BusyTimeout < 0 {
		return fmt.Errorf("storage.busy_timeout must not be negative")
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// StorageOptions converts the storage section for core.OpenPersistentStore.
func (c Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		BusyTimeout: c.Storage.BusyTimeout,
	}
}

// BlobConfig converts the blob section for blob.Open. Credentials come from
// the default AWS chain.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
