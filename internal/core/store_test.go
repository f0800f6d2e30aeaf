package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"chatstore/internal/blob"
	"chatstore/internal/storetest"
	"chatstore/pkg/domain"
)

func memoryConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = StorageMemory
	cfg.KDFIterations = 1000
	return cfg
}

func openStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMemoryWithoutEncryption(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memoryConfig())
	if _, err := s.Crypto(); !errors.Is(err, domain.ErrEncryptionDisabled) {
		t.Fatalf("expected ErrEncryptionDisabled, got %v", err)
	}
	if got := s.Media().(interface{ Driver() blob.Driver }).Driver(); got != blob.DriverMemory {
		t.Fatalf("memory backend should default media to memory, got %s", got)
	}
	if err := s.State().ApplyChanges(ctx, domain.Batch{
		RoomID: "!room:example.org",
		State:  []domain.StateUpdate{storetest.Topic("hello", "$1", 1)},
		Cursor: "s1",
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	token, ok, err := s.State().GetCursor(ctx)
	if err != nil || !ok || token != "s1" {
		t.Fatalf("cursor = %q %v %v", token, ok, err)
	}
	current, err := s.Migrator().Current(ctx)
	if err != nil || current != s.Migrator().Latest() {
		t.Fatalf("schema at %d (%v), want %d", current, err, s.Migrator().Latest())
	}
}

func TestOpenSQLiteWithEncryptionReopens(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "chat.db")
	cfg.EncryptionKey = "correct horse"
	cfg.KDFIterations = 1000
	cfg.Media = blob.Config{Driver: blob.DriverFilesystem, FSRoot: filepath.Join(t.TempDir(), "media")}

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	crypto, err := s.Crypto()
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	if err := crypto.SaveSecret(ctx, "m.megolm_backup.v1", []byte("recovery")); err != nil {
		t.Fatalf("save secret: %v", err)
	}
	if _, err := s.Media().PutMedia(ctx, "mxc://example.org/abc", []byte("png"), "image/png"); err != nil {
		t.Fatalf("put media: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg.MigrateOnOpen = false
	s = openStore(t, cfg)
	crypto, err = s.Crypto()
	if err != nil {
		t.Fatalf("crypto after reopen: %v", err)
	}
	got, ok, err := crypto.GetSecret(ctx, "m.megolm_backup.v1")
	if err != nil || !ok || string(got) != "recovery" {
		t.Fatalf("secret after reopen = %q %v %v", got, ok, err)
	}
	if has, err := s.Media().HasMedia(ctx, "mxc://example.org/abc"); err != nil || !has {
		t.Fatalf("media after reopen = %v %v", has, err)
	}
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "chat.db")
	cfg.EncryptionKey = "first"
	cfg.KDFIterations = 1000
	cfg.Media.Driver = blob.DriverMemory
	s := openStore(t, cfg)
	_ = s.Close()

	cfg.EncryptionKey = "second"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, domain.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenWithoutMigrateRequiresCurrentSchema(t *testing.T) {
	cfg := memoryConfig()
	cfg.MigrateOnOpen = false
	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, domain.ErrMigration) {
		t.Fatalf("expected ErrMigration, got %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "oracle"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestOpenWiresObservers(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	reg := prometheus.NewRegistry()
	s := openStore(t, memoryConfig(), WithLogger(logger), WithRegisterer(reg))

	if _, _, err := s.State().GetRoom(ctx, "!missing:example.org"); err != nil {
		t.Fatalf("get room: %v", err)
	}
	if !strings.Contains(buf.String(), "chatstore opened") {
		t.Fatalf("open was not logged: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "schema migration applied") {
		t.Fatalf("migrations were not logged: %s", buf.String())
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "chatstore_operation_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("operation histogram not registered")
	}
}

func TestCloseIsSafeOnNil(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
