// Package config loads persistcore settings from a TOML file with
// PERSISTCORE_* environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Journal drivers. JournalNone disables the event journal.
const (
	JournalNone       = "none"
	JournalFilesystem = "fs"
	JournalMemory     = "memory"
	JournalS3         = "s3"
)

// Duration decodes TOML strings such as "5s" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", string(text))
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete runtime configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	Batch   BatchConfig   `toml:"batch"`
	Log     LogConfig     `toml:"log"`
	Journal JournalConfig `toml:"journal"`
	Cluster ClusterConfig `toml:"cluster"`
}

// ServerConfig names the server instance.
type ServerConfig struct {
	Name string `toml:"name"`
}

// StorageConfig selects the executor.
type StorageConfig struct {
	Driver      string `toml:"driver"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// CacheConfig controls the shared query result cache.
type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	Size    int  `toml:"size"`
}

// BatchConfig controls statement batching for new transactions.
type BatchConfig struct {
	Enabled bool `toml:"enabled"`
	Size    int  `toml:"size"`
}

// LogConfig controls the logger level and the per-transaction log level
// (none|summary|statement).
type LogConfig struct {
	Level       string `toml:"level"`
	Transaction string `toml:"transaction"`
}

// JournalConfig selects where committed transaction events are written.
type JournalConfig struct {
	Driver       string `toml:"driver"`
	Root         string `toml:"root"`
	Prefix       string `toml:"prefix"`
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style"`
}

// ClusterConfig controls remote event polling.
type ClusterConfig struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval Duration `toml:"poll_interval"`
	// Lookback accepts events committed this far behind the newest one seen.
	Lookback Duration `toml:"lookback"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server:  ServerConfig{Name: "persistcore"},
		Storage: StorageConfig{Driver: StorageSQLite, SQLitePath: "persistcore.db"},
		Cache:   CacheConfig{Enabled: true, Size: 1024},
		Batch:   BatchConfig{Enabled: false, Size: 20},
		Log:     LogConfig{Level: "info", Transaction: "none"},
		Journal: JournalConfig{Driver: JournalNone, Root: "./journal", Prefix: "events/"},
		Cluster: ClusterConfig{PollInterval: Duration{5 * time.Second}},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "decode config %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without environment overrides.
func Parse(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

// Validate checks driver names and sizes.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Journal.Driver {
	case "", JournalNone, JournalFilesystem, JournalMemory:
	case JournalS3:
		if c.Journal.Bucket == "" {
			return errors.New("journal bucket required for s3 driver")
		}
	default:
		return errors.Errorf("unknown journal driver %q", c.Journal.Driver)
	}
	if c.Cache.Size < 0 || c.Batch.Size < 0 {
		return errors.New("cache and batch sizes must not be negative")
	}
	if c.Cluster.Enabled && !c.JournalEnabled() {
		return errors.New("cluster polling requires a journal")
	}
	if c.Cluster.Enabled && c.Cluster.PollInterval.Duration <= 0 {
		return errors.New("cluster poll interval must be positive")
	}
	if c.Cluster.Lookback.Duration < 0 {
		return errors.New("cluster lookback must not be negative")
	}
	return nil
}

// JournalEnabled reports whether a journal driver is configured.
func (c Config) JournalEnabled() bool {
	return c.Journal.Driver != "" && c.Journal.Driver != JournalNone
}

// Environment overrides:
//
//	PERSISTCORE_SERVER_NAME
//	PERSISTCORE_STORAGE_DRIVER: memory|sqlite|postgres
//	PERSISTCORE_SQLITE_PATH
//	PERSISTCORE_POSTGRES_DSN
//	PERSISTCORE_CACHE_ENABLED, PERSISTCORE_CACHE_SIZE
//	PERSISTCORE_BATCH_ENABLED, PERSISTCORE_BATCH_SIZE
//	PERSISTCORE_LOG_LEVEL, PERSISTCORE_TX_LOG
//	PERSISTCORE_JOURNAL_DRIVER: none|fs|memory|s3
//	PERSISTCORE_JOURNAL_ROOT, PERSISTCORE_JOURNAL_PREFIX
//	PERSISTCORE_JOURNAL_S3_BUCKET, PERSISTCORE_JOURNAL_S3_REGION,
//	PERSISTCORE_JOURNAL_S3_ENDPOINT, PERSISTCORE_JOURNAL_S3_PATH_STYLE
//	PERSISTCORE_CLUSTER_ENABLED, PERSISTCORE_CLUSTER_POLL_INTERVAL
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var err error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = errors.Wrapf(perr, "%s", name)
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Wrapf(perr, "%s", name)
				return
			}
			*dst = n
		}
	}
	str("PERSISTCORE_SERVER_NAME", &c.Server.Name)
	str("PERSISTCORE_STORAGE_DRIVER", &c.Storage.Driver)
	str("PERSISTCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("PERSISTCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	boolean("PERSISTCORE_CACHE_ENABLED", &c.Cache.Enabled)
	integer("PERSISTCORE_CACHE_SIZE", &c.Cache.Size)
	boolean("PERSISTCORE_BATCH_ENABLED", &c.Batch.Enabled)
	integer("PERSISTCORE_BATCH_SIZE", &c.Batch.Size)
	str("PERSISTCORE_LOG_LEVEL", &c.Log.Level)
	str("PERSISTCORE_TX_LOG", &c.Log.Transaction)
	str("PERSISTCORE_JOURNAL_DRIVER", &c.Journal.Driver)
	str("PERSISTCORE_JOURNAL_ROOT", &c.Journal.Root)
	str("PERSISTCORE_JOURNAL_PREFIX", &c.Journal.Prefix)
	str("PERSISTCORE_JOURNAL_S3_BUCKET", &c.Journal.Bucket)
	str("PERSISTCORE_JOURNAL_S3_REGION", &c.Journal.Region)
	str("PERSISTCORE_JOURNAL_S3_ENDPOINT", &c.Journal.Endpoint)
	boolean("PERSISTCORE_JOURNAL_S3_PATH_STYLE", &c.Journal.UsePathStyle)
	boolean("PERSISTCORE_CLUSTER_ENABLED", &c.Cluster.Enabled)
	if v, ok := lookup("PERSISTCORE_CLUSTER_POLL_INTERVAL"); ok && v != "" && err == nil {
		err = c.Cluster.PollInterval.UnmarshalText([]byte(strings.TrimSpace(v)))
	}
	if v, ok := lookup("PERSISTCORE_CLUSTER_LOOKBACK"); ok && v != "" && err == nil {
		err = c.Cluster.Lookback.UnmarshalText([]byte(strings.TrimSpace(v)))
	}
	return err
}
