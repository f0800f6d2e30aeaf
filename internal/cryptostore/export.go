package cryptostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatstore/internal/codec"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

// Export reads every crypto table inside one snapshot transaction, so the
// result is a single point in time even while sessions are in use.
func (s *Store) Export(ctx context.Context) (export domain.CryptoExport, err error) {
	err = s.run(ctx, "crypto.export", func(ctx context.Context) error {
		return s.db.InTx(ctx, s.db.Dialect().SnapshotTxOptions(), func(tx *sqldb.Tx) error {
			var err error
			export, err = s.readAll(ctx, tx)
			return err
		})
	})
	if err != nil {
		return domain.CryptoExport{}, err
	}
	s.hooks.Logger.Info("crypto store exported",
		"snapshot_id", export.SnapshotID,
		"sessions", len(export.Sessions),
		"inbound_group_sessions", len(export.InboundSessions))
	return export, nil
}

func (s *Store) readAll(ctx context.Context, tx *sqldb.Tx) (domain.CryptoExport, error) {
	out := domain.CryptoExport{
		SnapshotID: uuid.NewString(),
		CreatedAt:  s.now().UTC(),
		Secrets:    map[string][]byte{},
	}
	if err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&out.SchemaVersion); err != nil {
		return out, err
	}

	names, err := kvNames(ctx, tx)
	if err != nil {
		return out, err
	}
	for _, name := range names {
		value, _, err := s.getKV(ctx, tx, name)
		if err != nil {
			return out, err
		}
		switch {
		case name == kvAccount:
			out.Account = value
		case name == kvPrivateIdentity:
			out.PrivateIdentity = value
		case name == kvBackupVersion:
			out.BackupVersion = string(value)
		case name == kvRecoveryKey:
			out.RecoveryKey = value
		case strings.HasPrefix(name, kvSecretPrefix):
			out.Secrets[strings.TrimPrefix(name, kvSecretPrefix)] = value
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT user_id, device_id, trust, data FROM devices ORDER BY user_id, device_id`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var userID, deviceID, trust string
		var sealed []byte
		if err := rows.Scan(&userID, &deviceID, &trust, &sealed); err != nil {
			_ = rows.Close()
			return out, err
		}
		d, err := s.openDevice(userID, deviceID, trust, sealed)
		if err != nil {
			_ = rows.Close()
			return out, err
		}
		out.Devices = append(out.Devices, d)
	}
	if err := closeRows(rows); err != nil {
		return out, err
	}

	if out.Sessions, err = s.querySessions(ctx, tx, `SELECT `+olmColumns+` FROM olm_sessions ORDER BY session_id`); err != nil {
		return out, err
	}
	if out.InboundSessions, err = s.queryInbound(ctx, tx, `SELECT `+inboundColumns+` FROM inbound_group_sessions ORDER BY room_id, session_id`); err != nil {
		return out, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT `+outboundColumns+` FROM outbound_group_sessions ORDER BY room_id`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		o, err := s.scanOutbound(rows)
		if err != nil {
			_ = rows.Close()
			return out, err
		}
		out.OutboundSessions = append(out.OutboundSessions, o)
	}
	if err := closeRows(rows); err != nil {
		return out, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT user_id, data FROM cross_signing_keys ORDER BY user_id`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var userID string
		var sealed []byte
		if err := rows.Scan(&userID, &sealed); err != nil {
			_ = rows.Close()
			return out, err
		}
		var keys domain.CrossSigningKeySet
		if err := s.codec.OpenJSON(sealed, codec.Context("cross_signing_keys", userID), &keys); err != nil {
			_ = rows.Close()
			return out, corrupt("cross_signing_keys", userID, err)
		}
		out.CrossSigningKeys = append(out.CrossSigningKeys, keys)
	}
	if err := closeRows(rows); err != nil {
		return out, err
	}

	if out.TrackedUsers, err = listTracked(ctx, tx); err != nil {
		return out, err
	}
	return out, nil
}

func kvNames(ctx context.Context, tx *sqldb.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM crypto_kv ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	return names, closeRows(rows)
}

type closer interface {
	Err() error
	Close() error
}

func closeRows(rows closer) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// Import loads an export in one transaction. Session ratchets (olm, inbound
// and outbound group sessions) are insert-if-absent so a locally advanced
// session is never rolled back; every other record is replaced.
func (s *Store) Import(ctx context.Context, export domain.CryptoExport) (summary domain.ImportSummary, err error) {
	err = s.run(ctx, "crypto.import", func(ctx context.Context) error {
		summary = domain.ImportSummary{}
		return s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
			var err error
			summary, err = s.writeAll(ctx, tx, export)
			return err
		})
	})
	s.devices.Purge()
	s.inbound.Purge()
	if err != nil {
		return domain.ImportSummary{}, err
	}
	s.hooks.Logger.Info("crypto store imported",
		"snapshot_id", export.SnapshotID,
		"inserted", summary.Inserted,
		"already_present", summary.AlreadyPresent,
		"replaced", summary.Replaced)
	return summary, nil
}

func (s *Store) writeAll(ctx context.Context, tx *sqldb.Tx, export domain.CryptoExport) (domain.ImportSummary, error) {
	var sum domain.ImportSummary
	count := func(r domain.ImportResult) {
		if r == domain.Inserted {
			sum.Inserted++
		} else {
			sum.AlreadyPresent++
		}
	}
	kv := map[string][]byte{}
	if len(export.Account) > 0 {
		kv[kvAccount] = export.Account
	}
	if len(export.PrivateIdentity) > 0 {
		kv[kvPrivateIdentity] = export.PrivateIdentity
	}
	if export.BackupVersion != "" {
		kv[kvBackupVersion] = []byte(export.BackupVersion)
		kv[kvRecoveryKey] = export.RecoveryKey
	}
	for name, value := range export.Secrets {
		if name == "" {
			return sum, domain.InvalidArgument("export carries a secret without a name")
		}
		kv[kvSecretPrefix+name] = value
	}
	for name, value := range kv {
		if err := s.putKV(ctx, tx, name, value); err != nil {
			return sum, err
		}
		sum.Replaced++
	}
	for _, d := range export.Devices {
		if d.UserID == "" || d.DeviceID == "" || !validTrust(d.Trust) {
			return sum, domain.InvalidArgument("export carries an invalid device %s/%s", d.UserID, d.DeviceID)
		}
		if err := s.saveDevice(ctx, tx, d); err != nil {
			return sum, err
		}
		sum.Replaced++
	}
	for _, session := range export.Sessions {
		r, err := s.insertSession(ctx, tx, session)
		if err != nil {
			return sum, err
		}
		count(r)
	}
	for _, session := range export.InboundSessions {
		r, err := s.insertInbound(ctx, tx, session)
		if err != nil {
			return sum, err
		}
		count(r)
	}
	for _, session := range export.OutboundSessions {
		if session.RoomID == "" || session.SessionID == "" || len(session.Pickle) == 0 {
			return sum, domain.InvalidArgument("export carries an invalid outbound session for room %q", session.RoomID)
		}
		sealed, err := s.codec.Seal(session.Pickle, outboundContext(session.RoomID, session.SessionID))
		if err != nil {
			return sum, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outbound_group_sessions (room_id, session_id, message_count, rotation_counter, created_at, pickle)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id) DO NOTHING`,
			session.RoomID, session.SessionID, session.MessageCount, session.RotationCounter, sqldb.Millis(session.CreatedAt), sealed)
		if err != nil {
			return sum, err
		}
		r, err := importResult(res)
		if err != nil {
			return sum, err
		}
		count(r)
	}
	for _, keys := range export.CrossSigningKeys {
		if keys.UserID == "" {
			return sum, domain.InvalidArgument("export carries cross-signing keys without a user id")
		}
		if err := s.saveCrossSigning(ctx, tx, keys); err != nil {
			return sum, err
		}
		sum.Replaced++
	}
	if err := saveTracked(ctx, tx, export.TrackedUsers); err != nil {
		return sum, err
	}
	sum.Replaced += len(export.TrackedUsers)
	return sum, nil
}

// exportEnvelope is the on-disk form of a passphrase-protected export.
type exportEnvelope struct {
	Format     int    `json:"format"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Payload    []byte `json:"payload"`
}

const (
	exportFormat  = 1
	exportContext = "chatstore crypto export v1"

	// MaxExportIterations bounds the PBKDF2 work factor an export may ask for.
	MaxExportIterations = 10 * codec.DefaultIterations
)

// SealExport encrypts an export under passphrase for transfer to another device.
func SealExport(export domain.CryptoExport, passphrase []byte, iterations int) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, domain.InvalidArgument("export passphrase is required")
	}
	if iterations <= 0 {
		iterations = codec.DefaultIterations
	}
	if iterations > MaxExportIterations {
		return nil, domain.InvalidArgument("export iterations %d exceed %d", iterations, MaxExportIterations)
	}
	salt, err := codec.NewSalt()
	if err != nil {
		return nil, err
	}
	c, err := codec.New(codec.DeriveKey(passphrase, salt, iterations))
	if err != nil {
		return nil, err
	}
	payload, err := c.SealJSON(export, exportContext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(exportEnvelope{Format: exportFormat, Salt: salt, Iterations: iterations, Payload: payload})
}

// OpenExport reverses SealExport. A wrong passphrase yields a DecryptError.
func OpenExport(blob, passphrase []byte) (domain.CryptoExport, error) {
	var env exportEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return domain.CryptoExport{}, fmt.Errorf("decode export envelope: %w", err)
	}
	if env.Format != exportFormat {
		return domain.CryptoExport{}, fmt.Errorf("unsupported export format %d", env.Format)
	}
	if env.Iterations <= 0 || len(env.Salt) == 0 {
		return domain.CryptoExport{}, errors.New("export envelope is missing key parameters")
	}
	if env.Iterations > MaxExportIterations {
		return domain.CryptoExport{}, domain.InvalidArgument("export iterations %d exceed %d", env.Iterations, MaxExportIterations)
	}
	c, err := codec.New(codec.DeriveKey(passphrase, env.Salt, env.Iterations))
	if err != nil {
		return domain.CryptoExport{}, err
	}
	var export domain.CryptoExport
	if err := c.OpenJSON(env.Payload, exportContext, &export); err != nil {
		return domain.CryptoExport{}, err
	}
	return export, nil
}
