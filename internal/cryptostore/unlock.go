package cryptostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"chatstore/internal/codec"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

const (
	metaSalt       = "kdf_salt"
	metaIterations = "kdf_iterations"
	metaKeyCheck   = "key_check"

	keyCheckPlaintext = "chatstore key check"
)

var keyCheckContext = codec.Context("store_meta", metaKeyCheck)

// Unlock derives the store codec from passphrase. The first call on a fresh
// database records a random salt, the iteration count and a sealed key check
// in store_meta; later calls reuse them and fail with a DecryptError when the
// passphrase does not match. iterations only applies to fresh databases; zero
// selects codec.DefaultIterations.
func Unlock(ctx context.Context, db *sqldb.DB, passphrase []byte, iterations int) (*codec.Codec, error) {
	const op = "crypto.unlock"
	if len(passphrase) == 0 {
		return nil, domain.ErrEncryptionDisabled
	}
	if iterations <= 0 {
		iterations = codec.DefaultIterations
	}
	var (
		salt  []byte
		iter  int
		check []byte
		c     *codec.Codec
	)
	err := db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
		var err error
		salt, iter, check, err = readMeta(ctx, tx)
		if err != nil || salt != nil {
			return err
		}
		if salt, err = codec.NewSalt(); err != nil {
			return err
		}
		if c, err = codec.New(codec.DeriveKey(passphrase, salt, iterations)); err != nil {
			return err
		}
		if check, err = c.Seal([]byte(keyCheckPlaintext), keyCheckContext); err != nil {
			return err
		}
		for _, kv := range []struct {
			key   string
			value []byte
		}{
			{metaSalt, salt},
			{metaIterations, []byte(strconv.Itoa(iterations))},
			{metaKeyCheck, check},
		} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_meta (meta_key, value) VALUES (?, ?) ON CONFLICT (meta_key) DO NOTHING`,
				kv.key, kv.value); err != nil {
				return err
			}
		}
		// Another opener may have initialised the store first.
		ours := salt
		salt, iter, check, err = readMeta(ctx, tx)
		if err != nil {
			return err
		}
		if !bytes.Equal(salt, ours) {
			c = nil
		}
		if salt == nil {
			return errors.New("store metadata missing after initialisation")
		}
		return nil
	})
	if err != nil {
		return nil, db.Classify(ctx, op, err)
	}
	if c == nil {
		if c, err = codec.New(codec.DeriveKey(passphrase, salt, iter)); err != nil {
			return nil, err
		}
	}
	got, err := c.Open(check, keyCheckContext)
	if err != nil {
		return nil, fmt.Errorf("%s: wrong encryption key: %w", op, err)
	}
	if string(got) != keyCheckPlaintext {
		return nil, &domain.DecryptError{Context: keyCheckContext, Err: errors.New("key check mismatch")}
	}
	return c, nil
}

// readMeta returns a nil salt when the store has not been initialised.
func readMeta(ctx context.Context, tx *sqldb.Tx) (salt []byte, iterations int, check []byte, err error) {
	rows, err := tx.QueryContext(ctx, `SELECT meta_key, value FROM store_meta`)
	if err != nil {
		return nil, 0, nil, err
	}
	defer func() { _ = rows.Close() }()
	var iterRaw []byte
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, 0, nil, err
		}
		switch key {
		case metaSalt:
			salt = value
		case metaIterations:
			iterRaw = value
		case metaKeyCheck:
			check = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, nil, err
	}
	if salt == nil {
		return nil, 0, nil, nil
	}
	if iterRaw == nil || check == nil {
		return nil, 0, nil, &domain.CorruptionError{Kind: "store_meta", Key: metaKeyCheck, Err: errors.New("incomplete key metadata")}
	}
	iterations, err = strconv.Atoi(string(iterRaw))
	if err != nil || iterations <= 0 {
		return nil, 0, nil, &domain.CorruptionError{Kind: "store_meta", Key: metaIterations, Err: fmt.Errorf("bad iteration count %q", iterRaw)}
	}
	return salt, iterations, check, nil
}
