package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

// CryptoStoreFactory builds the crypto store under test over a migrated database.
type CryptoStoreFactory func(t testing.TB, db *sqldb.DB) domain.CryptoStore

// RunCryptoStoreSuite exercises the CryptoStore contract against every
// available backend.
func RunCryptoStoreSuite(t *testing.T, newStore CryptoStoreFactory) {
	for _, backend := range Backends() {
		t.Run(backend.Name, func(t *testing.T) {
			open := func(t *testing.T) domain.CryptoStore { return newStore(t, backend.Open(t)) }
			withDB := func(t *testing.T) (domain.CryptoStore, *sqldb.DB) {
				db := backend.Open(t)
				return newStore(t, db), db
			}
			t.Run("AccountAndIdentity", func(t *testing.T) { testAccount(t, open(t)) })
			t.Run("Secrets", func(t *testing.T) { testSecrets(t, open(t)) })
			t.Run("Devices", func(t *testing.T) { testDevices(t, open(t)) })
			t.Run("OlmSessions", func(t *testing.T) { testOlmSessions(t, open(t)) })
			t.Run("InboundNonClobber", func(t *testing.T) { testInboundNonClobber(t, open(t)) })
			t.Run("BackupState", func(t *testing.T) { testBackupState(t, open(t)) })
			t.Run("ListInbound", func(t *testing.T) { testListInbound(t, open(t)) })
			t.Run("OutboundRotation", func(t *testing.T) { testOutbound(t, open(t)) })
			t.Run("AdvanceConcurrentOlm", func(t *testing.T) {
				s := open(t)
				mustCreateOlm(t, s, "olm1", "0")
				testAdvanceConcurrent(t, s, domain.SessionKey{Kind: domain.SessionOlm, SessionID: "olm1"})
			})
			t.Run("AdvanceConcurrentInbound", func(t *testing.T) {
				s := open(t)
				mustImportInbound(t, s, "!r:x", "g1", "0")
				testAdvanceConcurrent(t, s, domain.SessionKey{Kind: domain.SessionInboundGroup, RoomID: "!r:x", SessionID: "g1"})
			})
			t.Run("AdvanceConcurrentOutbound", func(t *testing.T) {
				s := open(t)
				mustSaveOutbound(t, s, domain.OutboundGroupSession{RoomID: "!r:x", SessionID: "o1", Pickle: []byte("0")})
				testAdvanceConcurrent(t, s, domain.SessionKey{Kind: domain.SessionOutboundGroup, RoomID: "!r:x", SessionID: "o1"})
			})
			t.Run("AdvanceFailureKeepsState", func(t *testing.T) { testAdvanceFailure(t, open(t)) })
			t.Run("CorruptPickle", func(t *testing.T) { testCorruptPickle(t, withDB) })
			t.Run("CrossSigningAndTracking", func(t *testing.T) { testCrossSigningAndTracking(t, open(t)) })
			t.Run("MessageHashes", func(t *testing.T) { testMessageHashes(t, open(t)) })
			t.Run("SecretRequests", func(t *testing.T) { testSecretRequests(t, open(t)) })
			t.Run("ExportImport", func(t *testing.T) { testExportImport(t, open(t), open(t)) })
			t.Run("ExpiredDeadline", func(t *testing.T) { testCryptoDeadline(t, open(t)) })
		})
	}
}

func mustCreateOlm(t *testing.T, s domain.CryptoStore, id, pickle string) {
	t.Helper()
	r, err := s.CreateSession(context.Background(), domain.SessionRecord{SessionID: id, SenderKey: "curve-" + id, Pickle: []byte(pickle)})
	if err != nil || r != domain.Inserted {
		t.Fatalf("CreateSession(%s): %v %v", id, r, err)
	}
}

func mustImportInbound(t *testing.T, s domain.CryptoStore, room, id, pickle string) {
	t.Helper()
	r, err := s.ImportGroupSession(context.Background(), domain.InboundGroupSession{RoomID: room, SessionID: id, SenderKey: "curve", Pickle: []byte(pickle)})
	if err != nil || r != domain.Inserted {
		t.Fatalf("ImportGroupSession(%s): %v %v", id, r, err)
	}
}

func mustSaveOutbound(t *testing.T, s domain.CryptoStore, o domain.OutboundGroupSession) {
	t.Helper()
	if err := s.SaveOutboundGroupSession(context.Background(), o); err != nil {
		t.Fatalf("SaveOutboundGroupSession: %v", err)
	}
}

func testAccount(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	if _, ok, err := s.LoadAccount(ctx); err != nil || ok {
		t.Fatalf("fresh account: ok=%v err=%v", ok, err)
	}
	if err := s.SaveAccount(ctx, []byte("account-v1")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	if err := s.SaveAccount(ctx, []byte("account-v2")); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	got, ok, err := s.LoadAccount(ctx)
	if err != nil || !ok || string(got) != "account-v2" {
		t.Fatalf("LoadAccount: %q ok=%v err=%v", got, ok, err)
	}
	if err := s.SaveAccount(ctx, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty pickle, got %v", err)
	}
	if err := s.SavePrivateIdentity(ctx, []byte("identity")); err != nil {
		t.Fatalf("SavePrivateIdentity: %v", err)
	}
	if got, ok, err := s.LoadPrivateIdentity(ctx); err != nil || !ok || string(got) != "identity" {
		t.Fatalf("LoadPrivateIdentity: %q ok=%v err=%v", got, ok, err)
	}
	if v, k, err := s.LoadBackupKeys(ctx); err != nil || v != "" || k != nil {
		t.Fatalf("fresh backup keys: %q %q %v", v, k, err)
	}
	if err := s.SaveBackupKeys(ctx, "3", []byte("recovery")); err != nil {
		t.Fatalf("SaveBackupKeys: %v", err)
	}
	if v, k, err := s.LoadBackupKeys(ctx); err != nil || v != "3" || string(k) != "recovery" {
		t.Fatalf("LoadBackupKeys: %q %q %v", v, k, err)
	}
}

func testSecrets(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	if err := s.SaveSecret(ctx, "m.megolm_backup.v1", []byte("s3cret")); err != nil {
		t.Fatalf("SaveSecret: %v", err)
	}
	if v, ok, err := s.GetSecret(ctx, "m.megolm_backup.v1"); err != nil || !ok || string(v) != "s3cret" {
		t.Fatalf("GetSecret: %q ok=%v err=%v", v, ok, err)
	}
	if err := s.DeleteSecret(ctx, "m.megolm_backup.v1"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, ok, err := s.GetSecret(ctx, "m.megolm_backup.v1"); err != nil || ok {
		t.Fatalf("secret survived delete: ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSecret(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing secret: %v", err)
	}
}

func testDevices(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	dev := func(id string) domain.DeviceIdentity {
		return domain.DeviceIdentity{
			UserID:     "@bob:x",
			DeviceID:   id,
			Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
			Keys:       map[string]string{"ed25519:" + id: "key-" + id},
		}
	}
	if _, ok, err := s.GetDevice(ctx, "@bob:x", "B"); err != nil || ok {
		t.Fatalf("fresh device: ok=%v err=%v", ok, err)
	}
	for _, id := range []string{"B", "A"} {
		if err := s.SaveDevice(ctx, dev(id)); err != nil {
			t.Fatalf("SaveDevice(%s): %v", id, err)
		}
	}
	got, ok, err := s.GetDevice(ctx, "@bob:x", "B")
	if err != nil || !ok || got.Keys["ed25519:B"] != "key-B" || got.Trust != domain.TrustUnset {
		t.Fatalf("GetDevice: %+v ok=%v err=%v", got, ok, err)
	}
	if err := s.SetDeviceTrust(ctx, "@bob:x", "B", domain.TrustVerified); err != nil {
		t.Fatalf("SetDeviceTrust: %v", err)
	}
	if got, _, _ := s.GetDevice(ctx, "@bob:x", "B"); got.Trust != domain.TrustVerified {
		t.Fatalf("trust not visible after write: %+v", got)
	}
	if err := s.SetDeviceTrust(ctx, "@bob:x", "Z", domain.TrustVerified); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown device, got %v", err)
	}
	if err := s.SetDeviceTrust(ctx, "@bob:x", "B", "maybe"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid trust error, got %v", err)
	}
	list, err := s.ListUserDevices(ctx, "@bob:x")
	if err != nil || len(list) != 2 || list[0].DeviceID != "A" || list[1].Trust != domain.TrustVerified {
		t.Fatalf("ListUserDevices: %+v err=%v", list, err)
	}
	if err := s.DeleteDevice(ctx, "@bob:x", "A"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, ok, err := s.GetDevice(ctx, "@bob:x", "A"); err != nil || ok {
		t.Fatalf("device survived delete: ok=%v err=%v", ok, err)
	}
}

func testOlmSessions(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	for i, id := range []string{"s1", "s2"} {
		r, err := s.CreateSession(ctx, domain.SessionRecord{
			SessionID:  id,
			SenderKey:  "curve-peer",
			Pickle:     []byte("pickle-" + id),
			CreatedAt:  old,
			LastUsedAt: old.Add(time.Duration(i) * time.Minute),
		})
		if err != nil || r != domain.Inserted {
			t.Fatalf("CreateSession(%s): %v %v", id, r, err)
		}
	}
	r, err := s.CreateSession(ctx, domain.SessionRecord{SessionID: "s1", SenderKey: "curve-peer", Pickle: []byte("replacement")})
	if err != nil || r != domain.AlreadyPresent {
		t.Fatalf("duplicate CreateSession: %v %v", r, err)
	}
	got, ok, err := s.GetSession(ctx, "s1")
	if err != nil || !ok || string(got.Pickle) != "pickle-s1" || !got.CreatedAt.Equal(old) {
		t.Fatalf("GetSession: %+v ok=%v err=%v", got, ok, err)
	}
	list, err := s.SessionsForSender(ctx, "curve-peer")
	if err != nil || len(list) != 2 || list[0].SessionID != "s2" {
		t.Fatalf("SessionsForSender should list most recently used first: %+v err=%v", list, err)
	}
	if _, ok, err := s.GetSession(ctx, "nope"); err != nil || ok {
		t.Fatalf("missing session: ok=%v err=%v", ok, err)
	}
}

func testInboundNonClobber(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	if _, ok, err := s.GetInboundGroupSession(ctx, "!r:x", "g1"); err != nil || ok {
		t.Fatalf("fresh inbound: ok=%v err=%v", ok, err)
	}
	mustImportInbound(t, s, "!r:x", "g1", "first")
	r, err := s.ImportGroupSession(ctx, domain.InboundGroupSession{RoomID: "!r:x", SessionID: "g1", SenderKey: "curve", Pickle: []byte("second")})
	if err != nil || r != domain.AlreadyPresent {
		t.Fatalf("second import: %v %v", r, err)
	}
	got, ok, err := s.GetInboundGroupSession(ctx, "!r:x", "g1")
	if err != nil || !ok || string(got.Pickle) != "first" {
		t.Fatalf("inbound session clobbered: %q ok=%v err=%v", got.Pickle, ok, err)
	}
	// A locally advanced session is not rolled back by a stale import either.
	key := domain.SessionKey{Kind: domain.SessionInboundGroup, RoomID: "!r:x", SessionID: "g1"}
	if _, err := s.AdvanceAndStore(ctx, key, func(p []byte) ([]byte, []byte, error) {
		return append(p, "+1"...), nil, nil
	}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if r, err := s.ImportGroupSession(ctx, domain.InboundGroupSession{RoomID: "!r:x", SessionID: "g1", SenderKey: "curve", Pickle: []byte("first")}); err != nil || r != domain.AlreadyPresent {
		t.Fatalf("stale import: %v %v", r, err)
	}
	got, _, _ = s.GetInboundGroupSession(ctx, "!r:x", "g1")
	if string(got.Pickle) != "first+1" || got.AdvanceCount != 1 {
		t.Fatalf("advanced session lost: %+v", got)
	}
}

func testBackupState(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustImportInbound(t, s, "!r:x", fmt.Sprintf("g%d", i), "p")
	}
	counts, err := s.InboundGroupSessionCounts(ctx)
	if err != nil || counts.Total != 5 || counts.BackedUp != 0 {
		t.Fatalf("counts: %+v err=%v", counts, err)
	}
	batch, err := s.InboundGroupSessionsForBackup(ctx, 3)
	if err != nil || len(batch) != 3 {
		t.Fatalf("backup batch: %d err=%v", len(batch), err)
	}
	ids := make([]string, len(batch))
	for i, g := range batch {
		ids[i] = g.SessionID
	}
	if err := s.MarkBackedUp(ctx, "!r:x", ids); err != nil {
		t.Fatalf("MarkBackedUp: %v", err)
	}
	if g, _, _ := s.GetInboundGroupSession(ctx, "!r:x", ids[0]); !g.BackedUp {
		t.Fatalf("backed up flag not visible: %+v", g)
	}
	rest, err := s.InboundGroupSessionsForBackup(ctx, 10)
	if err != nil || len(rest) != 2 {
		t.Fatalf("remaining backup batch: %d err=%v", len(rest), err)
	}
	if counts, _ := s.InboundGroupSessionCounts(ctx); counts.BackedUp != 3 {
		t.Fatalf("counts after mark: %+v", counts)
	}
	if err := s.ResetBackupState(ctx); err != nil {
		t.Fatalf("ResetBackupState: %v", err)
	}
	if counts, _ := s.InboundGroupSessionCounts(ctx); counts.BackedUp != 0 || counts.Total != 5 {
		t.Fatalf("counts after reset: %+v", counts)
	}
	if _, err := s.InboundGroupSessionsForBackup(ctx, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid limit, got %v", err)
	}
}

func testListInbound(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	if all, err := s.InboundGroupSessions(ctx); err != nil || len(all) != 0 {
		t.Fatalf("empty store listed %+v err=%v", all, err)
	}
	mustImportInbound(t, s, "!b:x", "g2", "b2")
	mustImportInbound(t, s, "!a:x", "g9", "a9")
	mustImportInbound(t, s, "!b:x", "g1", "b1")
	if err := s.MarkBackedUp(ctx, "!b:x", []string{"g1"}); err != nil {
		t.Fatalf("MarkBackedUp: %v", err)
	}
	all, err := s.InboundGroupSessions(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("InboundGroupSessions: %+v err=%v", all, err)
	}
	want := []string{"!a:x/g9/a9", "!b:x/g1/b1", "!b:x/g2/b2"}
	for i, g := range all {
		if got := g.RoomID + "/" + g.SessionID + "/" + string(g.Pickle); got != want[i] {
			t.Fatalf("session %d: got %s want %s", i, got, want[i])
		}
	}
	if !all[1].BackedUp || all[2].BackedUp {
		t.Fatalf("backed up flags not listed: %+v", all)
	}
}

func testOutbound(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	policy := domain.RotationPolicy{MaxMessages: 2, MaxAge: time.Hour}
	if rotate, err := s.NeedsRotation(ctx, "!r:x", policy); err != nil || !rotate {
		t.Fatalf("room without outbound session must rotate: %v %v", rotate, err)
	}
	mustSaveOutbound(t, s, domain.OutboundGroupSession{RoomID: "!r:x", SessionID: "o1", Pickle: []byte("0")})
	if rotate, err := s.NeedsRotation(ctx, "!r:x", policy); err != nil || rotate {
		t.Fatalf("fresh session should not rotate: %v %v", rotate, err)
	}
	key := domain.SessionKey{Kind: domain.SessionOutboundGroup, RoomID: "!r:x", SessionID: "o1"}
	for i := 0; i < 2; i++ {
		if _, err := s.AdvanceAndStore(ctx, key, func(p []byte) ([]byte, []byte, error) { return p, []byte("ct"), nil }); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if rotate, err := s.NeedsRotation(ctx, "!r:x", policy); err != nil || !rotate {
		t.Fatalf("message bound reached, expected rotation: %v %v", rotate, err)
	}
	mustSaveOutbound(t, s, domain.OutboundGroupSession{RoomID: "!r:x", SessionID: "o2", Pickle: []byte("0")})
	got, ok, err := s.GetOutboundGroupSession(ctx, "!r:x")
	if err != nil || !ok || got.SessionID != "o2" || got.RotationCounter != 1 || got.MessageCount != 0 {
		t.Fatalf("after rotation: %+v ok=%v err=%v", got, ok, err)
	}
	// Re-saving the same session keeps the counter.
	mustSaveOutbound(t, s, domain.OutboundGroupSession{RoomID: "!r:x", SessionID: "o2", Pickle: []byte("1"), MessageCount: 1})
	if got, _, _ := s.GetOutboundGroupSession(ctx, "!r:x"); got.RotationCounter != 1 || string(got.Pickle) != "1" {
		t.Fatalf("re-save changed rotation: %+v", got)
	}
	mustSaveOutbound(t, s, domain.OutboundGroupSession{RoomID: "!old:x", SessionID: "o3", Pickle: []byte("0"), CreatedAt: time.Now().Add(-2 * time.Hour)})
	if rotate, err := s.NeedsRotation(ctx, "!old:x", policy); err != nil || !rotate {
		t.Fatalf("age bound reached, expected rotation: %v %v", rotate, err)
	}
	// The superseded session id no longer addresses the room's row.
	if _, err := s.AdvanceAndStore(ctx, key, func(p []byte) ([]byte, []byte, error) { return p, nil, nil }); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("advancing a rotated-out session: %v", err)
	}
}

// testAdvanceConcurrent embeds a counter in the pickle: every advance must
// start from the previous one's result.
func testAdvanceConcurrent(t *testing.T, s domain.CryptoStore, key domain.SessionKey) {
	const workers = 16
	var mu sync.Mutex
	var outputs []int
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			res, err := s.AdvanceAndStore(context.Background(), key, func(p []byte) ([]byte, []byte, error) {
				n, err := strconv.Atoi(string(p))
				if err != nil {
					return nil, nil, err
				}
				return []byte(strconv.Itoa(n + 1)), []byte(strconv.Itoa(n)), nil
			})
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(string(res.Output))
			if err != nil {
				return err
			}
			if res.Counter != uint64(n+1) {
				return fmt.Errorf("counter %d does not follow pickle step %d", res.Counter, n)
			}
			mu.Lock()
			outputs = append(outputs, n)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("advance %s: %v", key, err)
	}
	sort.Ints(outputs)
	for i, n := range outputs {
		if n != i {
			t.Fatalf("lost or duplicated step: %v", outputs)
		}
	}
	res, err := s.AdvanceAndStore(context.Background(), key, func(p []byte) ([]byte, []byte, error) { return p, p, nil })
	if err != nil || string(res.Output) != strconv.Itoa(workers) {
		t.Fatalf("final pickle %q err=%v", res.Output, err)
	}
}

func testAdvanceFailure(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	mustCreateOlm(t, s, "olm1", "base")
	key := domain.SessionKey{Kind: domain.SessionOlm, SessionID: "olm1"}
	boom := errors.New("ratchet refused")
	if _, err := s.AdvanceAndStore(ctx, key, func([]byte) ([]byte, []byte, error) { return nil, nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected advance function error, got %v", err)
	}
	got, _, err := s.GetSession(ctx, "olm1")
	if err != nil || string(got.Pickle) != "base" || got.UseCount != 0 {
		t.Fatalf("failed advance changed state: %+v err=%v", got, err)
	}
	if _, err := s.AdvanceAndStore(ctx, domain.SessionKey{Kind: domain.SessionOlm, SessionID: "missing"}, func(p []byte) ([]byte, []byte, error) {
		return p, nil, nil
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.AdvanceAndStore(ctx, domain.SessionKey{Kind: domain.SessionOlm, RoomID: "!r:x", SessionID: "olm1"}, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	res, err := s.AdvanceAndStore(ctx, key, func(p []byte) ([]byte, []byte, error) { return append(p, '!'), []byte("out"), nil })
	if err != nil || res.Counter != 1 || string(res.Output) != "out" {
		t.Fatalf("advance: %+v err=%v", res, err)
	}
	got, _, _ = s.GetSession(ctx, "olm1")
	if string(got.Pickle) != "base!" || got.UseCount != 1 || got.LastUsedAt.IsZero() {
		t.Fatalf("advance not persisted: %+v", got)
	}
}

func testCorruptPickle(t *testing.T, open func(t *testing.T) (domain.CryptoStore, *sqldb.DB)) {
	s, db := open(t)
	ctx := context.Background()
	mustCreateOlm(t, s, "a", "pickle-a")
	mustCreateOlm(t, s, "b", "pickle-b")

	// A valid ciphertext moved into another row must not open there.
	var sealedA []byte
	if err := db.QueryRowContext(ctx, `SELECT pickle FROM olm_sessions WHERE session_id = ?`, "a").Scan(&sealedA); err != nil {
		t.Fatalf("read sealed pickle: %v", err)
	}
	if bytes.Contains(sealedA, []byte("pickle-a")) {
		t.Fatalf("pickle stored in plaintext")
	}
	if _, err := db.ExecContext(ctx, `UPDATE olm_sessions SET pickle = ? WHERE session_id = ?`, sealedA, "b"); err != nil {
		t.Fatalf("swap pickle: %v", err)
	}
	_, ok, err := s.GetSession(ctx, "b")
	if !errors.Is(err, domain.ErrCorruption) || !errors.Is(err, domain.ErrDecrypt) || ok {
		t.Fatalf("expected corruption for replayed ciphertext, got ok=%v err=%v", ok, err)
	}
	tampered := append([]byte(nil), sealedA...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := db.ExecContext(ctx, `UPDATE olm_sessions SET pickle = ? WHERE session_id = ?`, tampered, "a"); err != nil {
		t.Fatalf("tamper pickle: %v", err)
	}
	called := false
	_, err = s.AdvanceAndStore(ctx, domain.SessionKey{Kind: domain.SessionOlm, SessionID: "a"}, func(p []byte) ([]byte, []byte, error) {
		called = true
		return p, nil, nil
	})
	if !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption on advance, got %v", err)
	}
	if called {
		t.Fatalf("advance function ran on an unreadable pickle")
	}
	if _, err := s.Export(ctx); !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("export must surface corruption, got %v", err)
	}
}

func testCrossSigningAndTracking(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	keys := domain.CrossSigningKeySet{UserID: "@bob:x", MasterKey: []byte("master"), SelfSigningKey: []byte("self")}
	if err := s.SaveCrossSigningKeys(ctx, keys); err != nil {
		t.Fatalf("SaveCrossSigningKeys: %v", err)
	}
	got, ok, err := s.GetCrossSigningKeys(ctx, "@bob:x")
	if err != nil || !ok || string(got.MasterKey) != "master" || string(got.SelfSigningKey) != "self" {
		t.Fatalf("GetCrossSigningKeys: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := s.GetCrossSigningKeys(ctx, "@eve:x"); err != nil || ok {
		t.Fatalf("unknown user keys: ok=%v err=%v", ok, err)
	}
	if err := s.SaveTrackedUsers(ctx, []domain.TrackedUser{{UserID: "@b:x", Dirty: true}, {UserID: "@a:x"}}); err != nil {
		t.Fatalf("SaveTrackedUsers: %v", err)
	}
	if err := s.SaveTrackedUsers(ctx, []domain.TrackedUser{{UserID: "@b:x", Dirty: false}}); err != nil {
		t.Fatalf("SaveTrackedUsers: %v", err)
	}
	users, err := s.TrackedUsers(ctx)
	if err != nil || len(users) != 2 || users[0].UserID != "@a:x" || users[1].Dirty {
		t.Fatalf("TrackedUsers: %+v err=%v", users, err)
	}
}

func testMessageHashes(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	hash := []byte{0xde, 0xad, 0xbe, 0xef}
	if known, err := s.IsMessageKnown(ctx, "curve", hash); err != nil || known {
		t.Fatalf("fresh hash known=%v err=%v", known, err)
	}
	if known, err := s.MarkMessageKnown(ctx, "curve", hash); err != nil || known {
		t.Fatalf("first mark known=%v err=%v", known, err)
	}
	if known, err := s.MarkMessageKnown(ctx, "curve", hash); err != nil || !known {
		t.Fatalf("replayed mark known=%v err=%v", known, err)
	}
	if known, err := s.IsMessageKnown(ctx, "other-curve", hash); err != nil || known {
		t.Fatalf("hash leaked across senders known=%v err=%v", known, err)
	}
}

func testSecretRequests(t *testing.T, s domain.CryptoStore) {
	ctx := context.Background()
	for _, req := range []domain.SecretRequest{
		{RequestID: "r2", RecipientID: "@me:x", InfoKey: "m.cross_signing.master", Payload: []byte("p2")},
		{RequestID: "r1", RecipientID: "@me:x", InfoKey: "m.megolm_backup.v1", Payload: []byte("p1")},
		{RequestID: "r3", RecipientID: "@me:x", InfoKey: "room-key", SentOut: true},
	} {
		if err := s.SaveSecretRequest(ctx, req); err != nil {
			t.Fatalf("SaveSecretRequest: %v", err)
		}
	}
	unsent, err := s.UnsentSecretRequests(ctx)
	if err != nil || len(unsent) != 2 || unsent[0].RequestID != "r1" || string(unsent[0].Payload) != "p1" {
		t.Fatalf("UnsentSecretRequests: %+v err=%v", unsent, err)
	}
	if err := s.SaveSecretRequest(ctx, domain.SecretRequest{RequestID: "r1", RecipientID: "@me:x", InfoKey: "m.megolm_backup.v1", SentOut: true}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if unsent, _ := s.UnsentSecretRequests(ctx); len(unsent) != 1 {
		t.Fatalf("expected one unsent request, got %+v", unsent)
	}
	if got, ok, err := s.GetSecretRequest(ctx, "r3"); err != nil || !ok || !got.SentOut {
		t.Fatalf("GetSecretRequest: %+v ok=%v err=%v", got, ok, err)
	}
	got, ok, err := s.GetSecretRequestByInfo(ctx, "m.cross_signing.master")
	if err != nil || !ok || got.RequestID != "r2" || string(got.Payload) != "p2" {
		t.Fatalf("GetSecretRequestByInfo: %+v ok=%v err=%v", got, ok, err)
	}
	if err := s.SaveSecretRequest(ctx, domain.SecretRequest{RequestID: "r0", RecipientID: "@me:x", InfoKey: "m.cross_signing.master"}); err != nil {
		t.Fatalf("SaveSecretRequest: %v", err)
	}
	if got, ok, err := s.GetSecretRequestByInfo(ctx, "m.cross_signing.master"); err != nil || !ok || got.RequestID != "r0" {
		t.Fatalf("expected lowest request id for shared info key, got %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := s.GetSecretRequestByInfo(ctx, "m.unknown"); err != nil || ok {
		t.Fatalf("unknown info key ok=%v err=%v", ok, err)
	}
	if _, _, err := s.GetSecretRequestByInfo(ctx, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for empty info key, got %v", err)
	}
	if err := s.SaveSecretRequest(ctx, domain.SecretRequest{RequestID: "r3", RecipientID: "@me:x", InfoKey: "room-key-2", SentOut: true}); err != nil {
		t.Fatalf("SaveSecretRequest: %v", err)
	}
	if _, ok, _ := s.GetSecretRequestByInfo(ctx, "room-key"); ok {
		t.Fatalf("stale info key still resolves after update")
	}
	if got, ok, err := s.GetSecretRequestByInfo(ctx, "room-key-2"); err != nil || !ok || got.RequestID != "r3" {
		t.Fatalf("updated info key: %+v ok=%v err=%v", got, ok, err)
	}
	if err := s.DeleteSecretRequest(ctx, "r3"); err != nil {
		t.Fatalf("DeleteSecretRequest: %v", err)
	}
	if _, ok, err := s.GetSecretRequest(ctx, "r3"); err != nil || ok {
		t.Fatalf("request survived delete: ok=%v err=%v", ok, err)
	}
}

func testExportImport(t *testing.T, src, dst domain.CryptoStore) {
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("populate: %v", err)
		}
	}
	must(src.SaveAccount(ctx, []byte("account")))
	must(src.SavePrivateIdentity(ctx, []byte("identity")))
	must(src.SaveBackupKeys(ctx, "7", []byte("recovery")))
	must(src.SaveSecret(ctx, "m.cross_signing.master", []byte("master-secret")))
	must(src.SaveDevice(ctx, domain.DeviceIdentity{UserID: "@bob:x", DeviceID: "B", Keys: map[string]string{"k": "v"}, Trust: domain.TrustVerified}))
	mustCreateOlm(t, src, "olm1", "olm-pickle")
	mustImportInbound(t, src, "!r:x", "g1", "inbound-pickle")
	mustSaveOutbound(t, src, domain.OutboundGroupSession{RoomID: "!r:x", SessionID: "o1", Pickle: []byte("outbound-pickle")})
	must(src.SaveCrossSigningKeys(ctx, domain.CrossSigningKeySet{UserID: "@bob:x", MasterKey: []byte("m")}))
	must(src.SaveTrackedUsers(ctx, []domain.TrackedUser{{UserID: "@bob:x", Dirty: true}}))

	export, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if export.SnapshotID == "" || export.SchemaVersion < 1 {
		t.Fatalf("export metadata: id=%q version=%d", export.SnapshotID, export.SchemaVersion)
	}
	if len(export.Sessions) != 1 || len(export.InboundSessions) != 1 || len(export.OutboundSessions) != 1 ||
		len(export.Devices) != 1 || len(export.CrossSigningKeys) != 1 || len(export.TrackedUsers) != 1 ||
		string(export.Secrets["m.cross_signing.master"]) != "master-secret" || export.BackupVersion != "7" {
		t.Fatalf("incomplete export: %+v", export)
	}

	// The destination already advanced g1; the import must not roll it back.
	mustImportInbound(t, dst, "!r:x", "g1", "local-newer")
	summary, err := dst.Import(ctx, export)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if summary.Inserted != 2 || summary.AlreadyPresent != 1 {
		t.Fatalf("import summary: %+v", summary)
	}
	if g, _, _ := dst.GetInboundGroupSession(ctx, "!r:x", "g1"); string(g.Pickle) != "local-newer" {
		t.Fatalf("import clobbered local session: %q", g.Pickle)
	}
	if acc, ok, err := dst.LoadAccount(ctx); err != nil || !ok || string(acc) != "account" {
		t.Fatalf("imported account: %q ok=%v err=%v", acc, ok, err)
	}
	if d, ok, err := dst.GetDevice(ctx, "@bob:x", "B"); err != nil || !ok || d.Trust != domain.TrustVerified {
		t.Fatalf("imported device: %+v ok=%v err=%v", d, ok, err)
	}
	if sess, ok, err := dst.GetSession(ctx, "olm1"); err != nil || !ok || string(sess.Pickle) != "olm-pickle" {
		t.Fatalf("imported olm session: %+v ok=%v err=%v", sess, ok, err)
	}
	if v, k, err := dst.LoadBackupKeys(ctx); err != nil || v != "7" || string(k) != "recovery" {
		t.Fatalf("imported backup keys: %q %q %v", v, k, err)
	}
	again, err := dst.Import(ctx, export)
	if err != nil || again.Inserted != 0 || again.AlreadyPresent != 3 {
		t.Fatalf("re-import: %+v err=%v", again, err)
	}
}

func testCryptoDeadline(t *testing.T, s domain.CryptoStore) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if err := s.SaveAccount(ctx, []byte("a")); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
