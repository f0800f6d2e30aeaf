package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"chatstore/internal/blob"
)

// Config selects the backend and tunes the store. Zero values fall back to
// DefaultConfig.
type Config struct {
	Backend            StorageDriver `yaml:"backend"`
	SQLitePath         string        `yaml:"sqlite_path"`
	PostgresDSN        string        `yaml:"postgres_dsn"`
	PoolMaxConnections int           `yaml:"pool_max_connections"`
	// EncryptionKey is a passphrase. Empty disables the crypto store.
	EncryptionKey string      `yaml:"encryption_key"`
	KDFIterations int         `yaml:"kdf_iterations"`
	MigrateOnOpen bool        `yaml:"migrate_on_open"`
	Cache         CacheConfig `yaml:"cache"`
	Media         blob.Config `yaml:"media"`
}

// CacheConfig bounds the in-process read caches.
type CacheConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
	Shards     int   `yaml:"shards"`
	Disabled   bool  `yaml:"disabled"`
}

// DefaultConfig is an embedded SQLite store that migrates on open.
func DefaultConfig() Config {
	return Config{
		Backend:            StorageSQLite,
		SQLitePath:         "chatstore.db",
		PoolMaxConnections: 4,
		MigrateOnOpen:      true,
		Cache:              CacheConfig{MaxEntries: 10000},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and then applies the
// CHATSTORE_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
//
//	CHATSTORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	CHATSTORE_SQLITE_PATH: path to the sqlite file (default ./chatstore.db)
//	CHATSTORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	CHATSTORE_POOL_MAX_CONNECTIONS, CHATSTORE_ENCRYPTION_KEY, CHATSTORE_KDF_ITERATIONS,
//	CHATSTORE_MIGRATE_ON_OPEN, CHATSTORE_CACHE_MAX_ENTRIES, CHATSTORE_CACHE_MAX_BYTES,
//	CHATSTORE_CACHE_DISABLED, CHATSTORE_MEDIA_DRIVER, CHATSTORE_MEDIA_FS_ROOT,
//	CHATSTORE_MEDIA_S3_{BUCKET,REGION,ENDPOINT,PREFIX,PATH_STYLE}
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overwrites cfg fields whose variables are set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []string
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := lookup("CHATSTORE_STORAGE_DRIVER"); ok {
		cfg.Backend = StorageDriver(v)
	}
	str("CHATSTORE_SQLITE_PATH", &cfg.SQLitePath)
	str("CHATSTORE_POSTGRES_DSN", &cfg.PostgresDSN)
	num("CHATSTORE_POOL_MAX_CONNECTIONS", &cfg.PoolMaxConnections)
	str("CHATSTORE_ENCRYPTION_KEY", &cfg.EncryptionKey)
	num("CHATSTORE_KDF_ITERATIONS", &cfg.KDFIterations)
	flag("CHATSTORE_MIGRATE_ON_OPEN", &cfg.MigrateOnOpen)
	num("CHATSTORE_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	if v, ok := lookup("CHATSTORE_CACHE_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("CHATSTORE_CACHE_MAX_BYTES: %v", err))
		} else {
			cfg.Cache.MaxBytes = n
		}
	}
	flag("CHATSTORE_CACHE_DISABLED", &cfg.Cache.Disabled)
	if v, ok := lookup("CHATSTORE_MEDIA_DRIVER"); ok {
		cfg.Media.Driver = blob.Driver(v)
	}
	str("CHATSTORE_MEDIA_FS_ROOT", &cfg.Media.FSRoot)
	str("CHATSTORE_MEDIA_S3_BUCKET", &cfg.Media.S3.Bucket)
	str("CHATSTORE_MEDIA_S3_REGION", &cfg.Media.S3.Region)
	str("CHATSTORE_MEDIA_S3_ENDPOINT", &cfg.Media.S3.Endpoint)
	str("CHATSTORE_MEDIA_S3_PREFIX", &cfg.Media.S3.Prefix)
	flag("CHATSTORE_MEDIA_S3_PATH_STYLE", &cfg.Media.S3.PathStyle)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects configurations Open could not honour.
func (c Config) Validate() error {
	switch c.Backend {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Backend)
	}
	if c.PoolMaxConnections < 0 {
		return fmt.Errorf("pool_max_connections must not be negative")
	}
	if c.KDFIterations < 0 {
		return fmt.Errorf("kdf_iterations must not be negative")
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxBytes < 0 || c.Cache.Shards < 0 {
		return fmt.Errorf("cache bounds must not be negative")
	}
	switch c.Media.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Media.S3.Bucket == "" {
			return fmt.Errorf("s3 media driver requires a bucket")
		}
	default:
		return fmt.Errorf("unknown media driver %q", c.Media.Driver)
	}
	return nil
}
