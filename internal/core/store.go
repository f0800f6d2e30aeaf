// Package core opens a complete persistence stack from a Config: the SQL
// backend, schema migrations, the state and crypto stores, and media.
package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatstore/internal/blob"
	"chatstore/internal/cache"
	"chatstore/internal/cryptostore"
	"chatstore/internal/media"
	"chatstore/internal/observe"
	"chatstore/internal/schema/migrate"
	"chatstore/internal/sqldb"
	"chatstore/internal/statestore"
	"chatstore/pkg/domain"
)

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	hooks      observe.Hooks
	registerer prometheus.Registerer
	now        func() time.Time
}

// WithLogger routes store diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(o *openOptions) { o.hooks.Logger = logger }
}

// WithMetrics installs a custom recorder. It takes precedence over
// WithRegisterer for operation timings.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *openOptions) { o.hooks.Metrics = m }
}

// WithTracer installs a tracer around every store operation.
func WithTracer(t Tracer) Option {
	return func(o *openOptions) { o.hooks.Tracer = t }
}

// WithRegisterer exports operation and cache metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *openOptions) { o.registerer = reg }
}

// WithClock overrides the clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Store is an opened persistence stack. Close releases the database.
type Store struct {
	cfg      Config
	db       *sqldb.DB
	migrator *migrate.Manager
	state    *statestore.Store
	crypto   *cryptostore.Store
	media    *media.Store
	hooks    observe.Hooks
}

// Open validates cfg, connects to the backend, brings the schema up to date
// (or checks it when MigrateOnOpen is false) and builds every store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.hooks.Metrics == nil && o.registerer != nil {
		rec, err := observe.NewPrometheusRecorder(o.registerer)
		if err != nil {
			return nil, err
		}
		o.hooks.Metrics = rec
	}
	hooks := o.hooks.WithDefaults()

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg, db: db, hooks: hooks}
	if err := s.init(ctx, o); err != nil {
		_ = db.Close()
		return nil, err
	}
	hooks.Logger.Info("chatstore opened",
		"backend", string(cfg.Backend),
		"dialect", db.Dialect().Name(),
		"encryption", s.crypto != nil,
		"media", string(s.media.Driver()))
	return s, nil
}

func (s *Store) init(ctx context.Context, o openOptions) error {
	cfg := s.cfg
	migOpts := []migrate.Option{migrate.WithLogger(s.hooks.Logger)}
	if o.now != nil {
		migOpts = append(migOpts, migrate.WithClock(o.now))
	}
	m, err := migrate.New(s.db, migOpts...)
	if err != nil {
		return err
	}
	s.migrator = m
	if cfg.MigrateOnOpen {
		if _, err := m.Migrate(ctx); err != nil {
			return err
		}
	} else if err := m.Check(ctx); err != nil {
		return err
	}

	cacheCfg := cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		Shards:     cfg.Cache.Shards,
		Disabled:   cfg.Cache.Disabled,
		Registerer: o.registerer,
	}
	s.state, err = statestore.New(s.db,
		statestore.WithCache(cacheCfg),
		statestore.WithHooks(s.hooks),
		statestore.WithClock(o.now))
	if err != nil {
		return err
	}

	if cfg.EncryptionKey != "" {
		c, err := cryptostore.Unlock(ctx, s.db, []byte(cfg.EncryptionKey), cfg.KDFIterations)
		if err != nil {
			return err
		}
		s.crypto, err = cryptostore.New(s.db, c,
			cryptostore.WithCache(cacheCfg),
			cryptostore.WithHooks(s.hooks),
			cryptostore.WithClock(o.now))
		if err != nil {
			return err
		}
	}

	mediaCfg := cfg.Media
	if mediaCfg.Driver == "" && cfg.Backend == StorageMemory {
		mediaCfg.Driver = blob.DriverMemory
	}
	blobs, err := blob.Open(ctx, mediaCfg)
	if err != nil {
		return &domain.StorageError{Op: "core.open_media", Err: err}
	}
	s.media, err = media.New(blobs, s.hooks)
	return err
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config { return s.cfg }

// State returns the state store.
func (s *Store) State() domain.StateStore { return s.state }

// Crypto returns the crypto store, or ErrEncryptionDisabled when no
// encryption key was configured.
func (s *Store) Crypto() (domain.CryptoStore, error) {
	if s.crypto == nil {
		return nil, domain.ErrEncryptionDisabled
	}
	return s.crypto, nil
}

// Media returns the media store.
func (s *Store) Media() domain.MediaStore { return s.media }

// Migrator exposes schema bookkeeping for admin tooling.
func (s *Store) Migrator() *migrate.Manager { return s.migrator }

// Database exposes the underlying handle.
func (s *Store) Database() *sqldb.DB { return s.db }

// Close releases the database. Caches are dropped with the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.hooks.Logger.Warn("chatstore close failed", "error", err)
		return &domain.StorageError{Op: "core.close", Err: err}
	}
	return nil
}
