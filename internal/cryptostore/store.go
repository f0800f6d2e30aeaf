// Package cryptostore persists end-to-end encryption state: the account,
// device identities, olm and megolm session ratchets, cross-signing keys and
// secrets. Every pickle and secret is sealed with the store codec; the
// plaintext columns are identifiers and counters only.
package cryptostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatstore/internal/cache"
	"chatstore/internal/codec"
	"chatstore/internal/keylock"
	"chatstore/internal/observe"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

const (
	kvAccount         = "account"
	kvPrivateIdentity = "private_identity"
	kvBackupVersion   = "backup_version"
	kvRecoveryKey     = "recovery_key"
	kvSecretPrefix    = "secret/"
)

// Store implements domain.CryptoStore.
type Store struct {
	db      *sqldb.DB
	codec   *codec.Codec
	locks   *keylock.Set
	devices *cache.Cache[domain.DeviceIdentity]
	inbound *cache.Cache[domain.InboundGroupSession]
	hooks   observe.Hooks
	now     func() time.Time
}

var _ domain.CryptoStore = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	cache cache.Config
	hooks observe.Hooks
	now   func() time.Time
}

// WithCache sets the capacity of the device and inbound session caches.
func WithCache(cfg cache.Config) Option {
	return func(o *options) { o.cache = cfg }
}

// WithHooks installs logging, metrics and tracing hooks.
func WithHooks(h observe.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithClock overrides the clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds a Store. A nil codec means no encryption key was configured and
// the crypto store is unavailable.
func New(db *sqldb.DB, c *codec.Codec, opts ...Option) (*Store, error) {
	if c == nil {
		return nil, domain.ErrEncryptionDisabled
	}
	if db == nil {
		return nil, errors.New("cryptostore: nil database")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	devCfg := o.cache
	devCfg.Name = "devices"
	devices, err := cache.New[domain.DeviceIdentity](devCfg, nil)
	if err != nil {
		return nil, err
	}
	inCfg := o.cache
	inCfg.Name = "inbound_group_sessions"
	inbound, err := cache.New[domain.InboundGroupSession](inCfg, func(key string, s domain.InboundGroupSession) int64 {
		return int64(len(key) + len(s.Pickle) + len(s.SenderKey) + 32)
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		codec:   c,
		locks:   keylock.New(),
		devices: devices,
		inbound: inbound,
		hooks:   o.hooks.WithDefaults(),
		now:     o.now,
	}, nil
}

// run wraps one operation with tracing, metrics and error classification.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, finish := s.hooks.Start(ctx, op)
	defer func() { finish(err) }()
	if err = fn(ctx); err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrCorruption) || errors.Is(err, domain.ErrDecrypt) {
		s.hooks.Logger.Error("crypto store record unreadable", "op", op, "error", err)
	}
	return s.db.Classify(ctx, op, err)
}

func corrupt(kind, key string, err error) error {
	return &domain.CorruptionError{Kind: kind, Key: key, Err: err}
}

func kvContext(name string) string { return codec.Context("crypto_kv", name) }

func (s *Store) putKV(ctx context.Context, q execer, name string, value []byte) error {
	sealed, err := s.codec.Seal(value, kvContext(name))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO crypto_kv (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, sealed, sqldb.Millis(s.now()))
	return err
}

func (s *Store) getKV(ctx context.Context, q queryer, name string) ([]byte, bool, error) {
	var sealed []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM crypto_kv WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	plain, err := s.codec.Open(sealed, kvContext(name))
	if err != nil {
		return nil, false, corrupt("crypto_kv", name, err)
	}
	return plain, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveAccount stores the account pickle.
func (s *Store) SaveAccount(ctx context.Context, pickle []byte) error {
	return s.run(ctx, "crypto.save_account", func(ctx context.Context) error {
		if len(pickle) == 0 {
			return domain.InvalidArgument("account pickle is empty")
		}
		return s.putKV(ctx, s.db, kvAccount, pickle)
	})
}

// LoadAccount returns the account pickle.
func (s *Store) LoadAccount(ctx context.Context) (pickle []byte, ok bool, err error) {
	err = s.run(ctx, "crypto.load_account", func(ctx context.Context) error {
		pickle, ok, err = s.getKV(ctx, s.db, kvAccount)
		return err
	})
	return pickle, ok, err
}

// SavePrivateIdentity stores the pickled private cross-signing identity.
func (s *Store) SavePrivateIdentity(ctx context.Context, pickle []byte) error {
	return s.run(ctx, "crypto.save_private_identity", func(ctx context.Context) error {
		if len(pickle) == 0 {
			return domain.InvalidArgument("private identity pickle is empty")
		}
		return s.putKV(ctx, s.db, kvPrivateIdentity, pickle)
	})
}

// LoadPrivateIdentity returns the pickled private cross-signing identity.
func (s *Store) LoadPrivateIdentity(ctx context.Context) (pickle []byte, ok bool, err error) {
	err = s.run(ctx, "crypto.load_private_identity", func(ctx context.Context) error {
		pickle, ok, err = s.getKV(ctx, s.db, kvPrivateIdentity)
		return err
	})
	return pickle, ok, err
}

// SaveBackupKeys records the active key backup version and its recovery key
// together.
func (s *Store) SaveBackupKeys(ctx context.Context, version string, recoveryKey []byte) error {
	return s.run(ctx, "crypto.save_backup_keys", func(ctx context.Context) error {
		if version == "" {
			return domain.InvalidArgument("backup version is required")
		}
		return s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
			if err := s.putKV(ctx, tx, kvBackupVersion, []byte(version)); err != nil {
				return err
			}
			return s.putKV(ctx, tx, kvRecoveryKey, recoveryKey)
		})
	})
}

// LoadBackupKeys returns an empty version when no backup is configured.
func (s *Store) LoadBackupKeys(ctx context.Context) (version string, recoveryKey []byte, err error) {
	err = s.run(ctx, "crypto.load_backup_keys", func(ctx context.Context) error {
		raw, ok, err := s.getKV(ctx, s.db, kvBackupVersion)
		if err != nil || !ok {
			return err
		}
		version = string(raw)
		recoveryKey, _, err = s.getKV(ctx, s.db, kvRecoveryKey)
		return err
	})
	return version, recoveryKey, err
}

// SaveSecret stores a named secret, such as a secret storage key.
func (s *Store) SaveSecret(ctx context.Context, name string, value []byte) error {
	return s.run(ctx, "crypto.save_secret", func(ctx context.Context) error {
		if name == "" {
			return domain.InvalidArgument("secret name is required")
		}
		return s.putKV(ctx, s.db, kvSecretPrefix+name, value)
	})
}

// GetSecret returns a named secret.
func (s *Store) GetSecret(ctx context.Context, name string) (value []byte, ok bool, err error) {
	err = s.run(ctx, "crypto.get_secret", func(ctx context.Context) error {
		value, ok, err = s.getKV(ctx, s.db, kvSecretPrefix+name)
		return err
	})
	return value, ok, err
}

// DeleteSecret removes a named secret. Deleting a missing secret is not an error.
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	return s.run(ctx, "crypto.delete_secret", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM crypto_kv WHERE name = ?`, kvSecretPrefix+name)
		return err
	})
}

// SaveCrossSigningKeys stores the public cross-signing keys of a user.
func (s *Store) SaveCrossSigningKeys(ctx context.Context, keys domain.CrossSigningKeySet) error {
	return s.run(ctx, "crypto.save_cross_signing_keys", func(ctx context.Context) error {
		if keys.UserID == "" {
			return domain.InvalidArgument("user id is required")
		}
		return s.saveCrossSigning(ctx, s.db, keys)
	})
}

func (s *Store) saveCrossSigning(ctx context.Context, q execer, keys domain.CrossSigningKeySet) error {
	sealed, err := s.codec.SealJSON(keys, codec.Context("cross_signing_keys", keys.UserID))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO cross_signing_keys (user_id, data) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET data = excluded.data`,
		keys.UserID, sealed)
	return err
}

// GetCrossSigningKeys returns the stored cross-signing keys of a user.
func (s *Store) GetCrossSigningKeys(ctx context.Context, userID string) (keys domain.CrossSigningKeySet, ok bool, err error) {
	err = s.run(ctx, "crypto.get_cross_signing_keys", func(ctx context.Context) error {
		var sealed []byte
		err := s.db.QueryRowContext(ctx, `SELECT data FROM cross_signing_keys WHERE user_id = ?`, userID).Scan(&sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.codec.OpenJSON(sealed, codec.Context("cross_signing_keys", userID), &keys); err != nil {
			return corrupt("cross_signing_keys", userID, err)
		}
		ok = true
		return nil
	})
	return keys, ok, err
}

// SaveTrackedUsers upserts the tracked flag and dirty bit of each user.
func (s *Store) SaveTrackedUsers(ctx context.Context, users []domain.TrackedUser) error {
	return s.run(ctx, "crypto.save_tracked_users", func(ctx context.Context) error {
		for _, u := range users {
			if u.UserID == "" {
				return domain.InvalidArgument("tracked user id is required")
			}
		}
		return s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
			return saveTracked(ctx, tx, users)
		})
	})
}

func saveTracked(ctx context.Context, tx *sqldb.Tx, users []domain.TrackedUser) error {
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_users (user_id, dirty) VALUES (?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET dirty = excluded.dirty`,
			u.UserID, u.Dirty); err != nil {
			return err
		}
	}
	return nil
}

// TrackedUsers lists every tracked user ordered by id.
func (s *Store) TrackedUsers(ctx context.Context) (users []domain.TrackedUser, err error) {
	err = s.run(ctx, "crypto.tracked_users", func(ctx context.Context) error {
		users, err = listTracked(ctx, s.db)
		return err
	})
	return users, err
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTracked(ctx context.Context, q rowsQueryer) ([]domain.TrackedUser, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id, dirty FROM tracked_users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TrackedUser
	for rows.Next() {
		var u domain.TrackedUser
		if err := rows.Scan(&u.UserID, &u.Dirty); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkMessageKnown records the hash of a decrypted olm message. It reports
// whether the hash had already been recorded, which marks a replay.
func (s *Store) MarkMessageKnown(ctx context.Context, senderKey string, hash []byte) (known bool, err error) {
	err = s.run(ctx, "crypto.mark_message_known", func(ctx context.Context) error {
		if senderKey == "" || len(hash) == 0 {
			return domain.InvalidArgument("sender key and message hash are required")
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO olm_message_hashes (sender_key, hash) VALUES (?, ?) ON CONFLICT (sender_key, hash) DO NOTHING`,
			senderKey, s.messageHash(senderKey, hash))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		known = n == 0
		return err
	})
	return known, err
}

// IsMessageKnown reports whether MarkMessageKnown recorded the hash.
func (s *Store) IsMessageKnown(ctx context.Context, senderKey string, hash []byte) (known bool, err error) {
	err = s.run(ctx, "crypto.is_message_known", func(ctx context.Context) error {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM olm_message_hashes WHERE sender_key = ? AND hash = ?`,
			senderKey, s.messageHash(senderKey, hash)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		known = err == nil
		return err
	})
	return known, err
}

func (s *Store) messageHash(senderKey string, hash []byte) []byte {
	return s.codec.HashKey("olm_message_hashes", append([]byte(senderKey+"\x00"), hash...))
}

// SaveSecretRequest upserts an outgoing secret or key request.
func (s *Store) SaveSecretRequest(ctx context.Context, req domain.SecretRequest) error {
	return s.run(ctx, "crypto.save_secret_request", func(ctx context.Context) error {
		if req.RequestID == "" {
			return domain.InvalidArgument("request id is required")
		}
		sealed, err := s.codec.SealJSON(req, codec.Context("secret_requests", req.RequestID))
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO secret_requests (request_id, sent_out, info_hash, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT (request_id) DO UPDATE SET sent_out = excluded.sent_out, info_hash = excluded.info_hash, data = excluded.data`,
			req.RequestID, req.SentOut, s.infoHash(req.InfoKey), sealed)
		return err
	})
}

// GetSecretRequest returns one outgoing request.
func (s *Store) GetSecretRequest(ctx context.Context, requestID string) (req domain.SecretRequest, ok bool, err error) {
	err = s.run(ctx, "crypto.get_secret_request", func(ctx context.Context) error {
		var sealed []byte
		err := s.db.QueryRowContext(ctx, `SELECT data FROM secret_requests WHERE request_id = ?`, requestID).Scan(&sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.codec.OpenJSON(sealed, codec.Context("secret_requests", requestID), &req); err != nil {
			return corrupt("secret_requests", requestID, err)
		}
		ok = true
		return nil
	})
	return req, ok, err
}

// GetSecretRequestByInfo returns the request asking for infoKey. When several
// requests share it the lowest request id wins.
func (s *Store) GetSecretRequestByInfo(ctx context.Context, infoKey string) (req domain.SecretRequest, ok bool, err error) {
	err = s.run(ctx, "crypto.get_secret_request_by_info", func(ctx context.Context) error {
		if infoKey == "" {
			return domain.InvalidArgument("info key is required")
		}
		var id string
		var sealed []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT request_id, data FROM secret_requests WHERE info_hash = ? ORDER BY request_id LIMIT 1`,
			s.infoHash(infoKey)).Scan(&id, &sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.codec.OpenJSON(sealed, codec.Context("secret_requests", id), &req); err != nil {
			return corrupt("secret_requests", id, err)
		}
		ok = true
		return nil
	})
	return req, ok, err
}

func (s *Store) infoHash(infoKey string) []byte {
	return s.codec.HashKey("secret_requests", []byte(infoKey))
}

// UnsentSecretRequests lists requests not yet sent, ordered by id.
func (s *Store) UnsentSecretRequests(ctx context.Context) (out []domain.SecretRequest, err error) {
	err = s.run(ctx, "crypto.unsent_secret_requests", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT request_id, data FROM secret_requests WHERE sent_out = ? ORDER BY request_id`, false)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			var sealed []byte
			if err := rows.Scan(&id, &sealed); err != nil {
				return err
			}
			var req domain.SecretRequest
			if err := s.codec.OpenJSON(sealed, codec.Context("secret_requests", id), &req); err != nil {
				return corrupt("secret_requests", id, err)
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteSecretRequest removes a request once it has been answered.
func (s *Store) DeleteSecretRequest(ctx context.Context, requestID string) error {
	return s.run(ctx, "crypto.delete_secret_request", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM secret_requests WHERE request_id = ?`, requestID)
		return err
	})
}

func notFound(kind string, key fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, key)
}
