package cryptostore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"chatstore/internal/cache"
	"chatstore/internal/cryptostore"
	"chatstore/internal/observe"
	"chatstore/internal/sqldb"
	"chatstore/internal/storetest"
	"chatstore/pkg/domain"
)

const testIterations = 1000

func newStore(t testing.TB, db *sqldb.DB, opts ...cryptostore.Option) *cryptostore.Store {
	t.Helper()
	c, err := cryptostore.Unlock(context.Background(), db, []byte("correct horse"), testIterations)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	s, err := cryptostore.New(db, c, opts...)
	if err != nil {
		t.Fatalf("new crypto store: %v", err)
	}
	return s
}

func TestCryptoStoreContract(t *testing.T) {
	storetest.RunCryptoStoreSuite(t, func(t testing.TB, db *sqldb.DB) domain.CryptoStore {
		return newStore(t, db)
	})
}

func TestCryptoStoreContractWithoutCache(t *testing.T) {
	storetest.RunCryptoStoreSuite(t, func(t testing.TB, db *sqldb.DB) domain.CryptoStore {
		return newStore(t, db, cryptostore.WithCache(cache.Config{Disabled: true}))
	})
}

func TestNewWithoutCodecIsDisabled(t *testing.T) {
	db := storetest.MigratedSQLite(t)
	if _, err := cryptostore.New(db, nil); !errors.Is(err, domain.ErrEncryptionDisabled) {
		t.Fatalf("expected ErrEncryptionDisabled, got %v", err)
	}
	if _, err := cryptostore.Unlock(context.Background(), db, nil, testIterations); !errors.Is(err, domain.ErrEncryptionDisabled) {
		t.Fatalf("expected ErrEncryptionDisabled for empty passphrase, got %v", err)
	}
}

func TestUnlockReopensWithSamePassphrase(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	first := newStore(t, db)
	if err := first.SaveAccount(ctx, []byte("account")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	// A later open ignores the requested iteration count and reuses the stored one.
	c, err := cryptostore.Unlock(ctx, db, []byte("correct horse"), testIterations*5)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second, err := cryptostore.New(db, c)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, ok, err := second.LoadAccount(ctx)
	if err != nil || !ok || string(got) != "account" {
		t.Fatalf("LoadAccount after reopen: %q ok=%v err=%v", got, ok, err)
	}
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	_ = newStore(t, db)
	_, err := cryptostore.Unlock(ctx, db, []byte("battery staple"), testIterations)
	if !errors.Is(err, domain.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong passphrase, got %v", err)
	}
}

func TestUnlockDetectsIncompleteMetadata(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	_ = newStore(t, db)
	if _, err := db.ExecContext(ctx, `DELETE FROM store_meta WHERE meta_key = ?`, "key_check"); err != nil {
		t.Fatalf("delete key check: %v", err)
	}
	if _, err := cryptostore.Unlock(ctx, db, []byte("correct horse"), testIterations); !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestPicklesAreNotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	s := newStore(t, db)
	secret := []byte("very-identifiable-ratchet-state")
	if _, err := s.ImportGroupSession(ctx, domain.InboundGroupSession{RoomID: "!r:x", SessionID: "g1", SenderKey: "curve", Pickle: secret}); err != nil {
		t.Fatalf("ImportGroupSession: %v", err)
	}
	if err := s.SaveSecret(ctx, "ssss", secret); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}
	for _, q := range []string{
		`SELECT pickle FROM inbound_group_sessions`,
		`SELECT value FROM crypto_kv`,
	} {
		var raw []byte
		if err := db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if bytes.Contains(raw, secret) {
			t.Fatalf("%s returned plaintext", q)
		}
	}
}

func TestSealedExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t, storetest.MigratedSQLite(t))
	if _, err := src.ImportGroupSession(ctx, domain.InboundGroupSession{RoomID: "!r:x", SessionID: "g1", SenderKey: "curve", Pickle: []byte("p")}); err != nil {
		t.Fatalf("ImportGroupSession: %v", err)
	}
	export, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	blob, err := cryptostore.SealExport(export, []byte("transfer"), testIterations)
	if err != nil {
		t.Fatalf("SealExport: %v", err)
	}
	if bytes.Contains(blob, []byte(export.SnapshotID)) {
		t.Fatalf("sealed export leaks its contents")
	}
	if _, err := cryptostore.OpenExport(blob, []byte("wrong")); !errors.Is(err, domain.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong export passphrase, got %v", err)
	}
	opened, err := cryptostore.OpenExport(blob, []byte("transfer"))
	if err != nil {
		t.Fatalf("OpenExport: %v", err)
	}
	if opened.SnapshotID != export.SnapshotID || len(opened.InboundSessions) != 1 {
		t.Fatalf("opened export differs: %+v", opened)
	}
	dst := newStore(t, storetest.MigratedSQLite(t))
	summary, err := dst.Import(ctx, opened)
	if err != nil || summary.Inserted != 1 {
		t.Fatalf("Import: %+v err=%v", summary, err)
	}
	if _, err := cryptostore.SealExport(export, nil, testIterations); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty passphrase, got %v", err)
	}
}

func TestOpenExportRejectsExcessiveIterations(t *testing.T) {
	blob, err := json.Marshal(map[string]any{
		"format":     1,
		"salt":       bytes.Repeat([]byte{7}, 32),
		"iterations": int64(1) << 40,
		"payload":    []byte("sealed"),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if _, err := cryptostore.OpenExport(blob, []byte("transfer")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for oversized work factor, got %v", err)
	}
	if _, err := cryptostore.SealExport(domain.CryptoExport{}, []byte("transfer"), cryptostore.MaxExportIterations+1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected SealExport to refuse oversized work factor, got %v", err)
	}
}

func TestCorruptionIsLoggedAndSurfaced(t *testing.T) {
	ctx := context.Background()
	db := storetest.MigratedSQLite(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelError}))
	s := newStore(t, db, cryptostore.WithHooks(observe.Hooks{Logger: logger}))
	if err := s.SaveDevice(ctx, domain.DeviceIdentity{UserID: "@b:x", DeviceID: "D", Keys: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE devices SET data = ? WHERE user_id = ?`, []byte("garbage"), "@b:x"); err != nil {
		t.Fatalf("tamper device: %v", err)
	}
	_, ok, err := s.GetDevice(ctx, "@b:x", "D")
	if !errors.Is(err, domain.ErrCorruption) || ok {
		t.Fatalf("expected corruption, got ok=%v err=%v", ok, err)
	}
	var cerr *domain.CorruptionError
	if !errors.As(err, &cerr) || cerr.Kind != "devices" {
		t.Fatalf("corruption error should name the table: %v", err)
	}
	if !strings.Contains(logs.String(), `"op":"crypto.get_device"`) {
		t.Fatalf("corruption was not logged: %s", logs.String())
	}
}
