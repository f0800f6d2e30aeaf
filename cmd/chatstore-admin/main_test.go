package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatstore/internal/core"
	"chatstore/pkg/domain"
)

func writeConfig(t *testing.T, dir, key string) string {
	t.Helper()
	body := fmt.Sprintf(`backend: sqlite
sqlite_path: %s
encryption_key: %q
kdf_iterations: 1000
media:
  driver: memory
`, filepath.Join(dir, "chat.db"), key)
	path := filepath.Join(dir, "chatstore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"migrate", "version", "cursor", "prune", "export-crypto", "import-crypto"} {
		sub, _, err := root.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("command %s missing: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("format"); f == nil || f.DefValue != "text" {
		t.Fatalf("format flag missing or wrong default")
	}
}

func TestInvalidFormatRejected(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")
	if _, err := run(t, "--config", cfg, "--format", "xml", "version"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestMigrateCheckFailsOnFreshDatabase(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")
	out, err := run(t, "--config", cfg, "--format", "json", "migrate", "--check")
	if !errors.Is(err, domain.ErrMigration) {
		t.Fatalf("expected ErrMigration, got %v", err)
	}
	if exitCode(err) != 3 {
		t.Fatalf("exit code = %d, want 3", exitCode(err))
	}
	var report migrateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report %q: %v", out, err)
	}
	if len(report.Pending) == 0 || report.Version != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestMigrateThenVersion(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")
	out, err := run(t, "--config", cfg, "--format", "json", "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var report migrateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode migrate report: %v", err)
	}
	if len(report.Applied) == 0 || report.Version != report.Applied[len(report.Applied)-1] {
		t.Fatalf("unexpected migrate report: %+v", report)
	}

	out, err = run(t, "--config", cfg, "migrate")
	if err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("second migrate = %q, %v", out, err)
	}
	if _, err := run(t, "--config", cfg, "migrate", "--check"); err != nil {
		t.Fatalf("check after migrate: %v", err)
	}

	out, err = run(t, "--config", cfg, "--format", "json", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var v versionReport
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if v.Current != v.Latest || len(v.Pending) != 0 || v.Dialect != "sqlite" {
		t.Fatalf("unexpected version report: %+v", v)
	}
}

func TestCursorAndPrune(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	if _, err := run(t, "--config", cfg, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	out, err := run(t, "--config", cfg, "cursor")
	if err != nil || !strings.Contains(out, "no sync cursor") {
		t.Fatalf("empty cursor = %q, %v", out, err)
	}

	loaded, err := core.LoadConfig(cfg)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	s, err := core.Open(context.Background(), loaded)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.State().ApplyChanges(context.Background(), domain.Batch{
		RoomID:   "!r:example.org",
		Timeline: []domain.TimelineEvent{{EventID: "$1", Ordering: 1, EventType: "m.room.message", Sender: "@a:example.org"}},
		Cursor:   "s42_7",
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_ = s.Close()

	out, err = run(t, "--config", cfg, "cursor")
	if err != nil || strings.TrimSpace(out) != "s42_7" {
		t.Fatalf("cursor = %q, %v", out, err)
	}
	out, err = run(t, "--config", cfg, "--format", "json", "prune", "!r:example.org", "--before", "10")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	var pruned struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal([]byte(out), &pruned); err != nil || pruned.Removed != 1 {
		t.Fatalf("prune report = %q (%v)", out, err)
	}
	if _, err := run(t, "--config", cfg, "prune", "!r:example.org"); err == nil {
		t.Fatalf("prune without --before should fail")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CHATSTORE_EXPORT_PASSPHRASE", "transfer secret")
	srcDir, dstDir := t.TempDir(), t.TempDir()
	srcCfg := writeConfig(t, srcDir, "source key")
	dstCfg := writeConfig(t, dstDir, "destination key")
	for _, cfg := range []string{srcCfg, dstCfg} {
		if _, err := run(t, "--config", cfg, "migrate"); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}

	loaded, err := core.LoadConfig(srcCfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s, err := core.Open(ctx, loaded)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	crypto, err := s.Crypto()
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	if _, err := crypto.ImportGroupSession(ctx, domain.InboundGroupSession{
		RoomID: "!r:example.org", SessionID: "g1", SenderKey: "curve", Pickle: []byte("ratchet"),
	}); err != nil {
		t.Fatalf("import group session: %v", err)
	}
	_ = s.Close()

	exportPath := filepath.Join(t.TempDir(), "keys.sealed")
	if _, err := run(t, "--config", srcCfg, "export-crypto", "--out", exportPath); err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if bytes.Contains(raw, []byte("ratchet")) {
		t.Fatalf("sealed export leaks pickle plaintext")
	}

	out, err := run(t, "--config", dstCfg, "--format", "json", "import-crypto", "--in", exportPath)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	var summary domain.ImportSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil || summary.Inserted != 1 {
		t.Fatalf("import summary = %q (%v)", out, err)
	}
	out, err = run(t, "--config", dstCfg, "--format", "json", "import-crypto", "--in", exportPath)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil || summary.Inserted != 0 || summary.AlreadyPresent != 1 {
		t.Fatalf("second import summary = %q (%v)", out, err)
	}

	t.Setenv("CHATSTORE_EXPORT_PASSPHRASE", "wrong")
	_, err = run(t, "--config", dstCfg, "import-crypto", "--in", exportPath)
	if !errors.Is(err, domain.ErrDecrypt) || exitCode(err) != 4 {
		t.Fatalf("expected decrypt failure, got %v", err)
	}
}

func TestExportRequiresEncryptionKey(t *testing.T) {
	t.Setenv("CHATSTORE_EXPORT_PASSPHRASE", "transfer secret")
	cfg := writeConfig(t, t.TempDir(), "")
	if _, err := run(t, "--config", cfg, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err := run(t, "--config", cfg, "export-crypto", "--out", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, domain.ErrEncryptionDisabled) {
		t.Fatalf("expected ErrEncryptionDisabled, got %v", err)
	}
}

func TestExportRequiresPassphrase(t *testing.T) {
	t.Setenv("CHATSTORE_EXPORT_PASSPHRASE", "")
	cfg := writeConfig(t, t.TempDir(), "k")
	_, err := run(t, "--config", cfg, "export-crypto", "--out", filepath.Join(t.TempDir(), "x"))
	if exitCode(err) != 2 {
		t.Fatalf("expected invalid argument exit, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	cases := map[error]int{
		nil:                           0,
		errors.New("boom"):            1,
		domain.InvalidArgument("bad"): 2,
		&domain.MigrationError{Err: errors.New("x")}: 3,
		domain.ErrEncryptionDisabled:                 4,
	}
	for err, want := range cases {
		if got := exitCode(err); got != want {
			t.Fatalf("exitCode(%v) = %d, want %d", err, got, want)
		}
	}
}
