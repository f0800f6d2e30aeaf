package cryptostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatstore/internal/codec"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

func olmContext(sessionID string) string {
	return codec.Context("olm_sessions", sessionID)
}

func inboundContext(roomID, sessionID string) string {
	return codec.Context("inbound_group_sessions", roomID, sessionID)
}

func outboundContext(roomID, sessionID string) string {
	return codec.Context("outbound_group_sessions", roomID, sessionID)
}

func inboundKey(roomID, sessionID string) string { return roomID + "\x00" + sessionID }

func importResult(res sql.Result) (domain.ImportResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return domain.AlreadyPresent, nil
	}
	return domain.Inserted, nil
}

// CreateSession stores a new olm session without ever replacing an existing
// one with the same id.
func (s *Store) CreateSession(ctx context.Context, session domain.SessionRecord) (result domain.ImportResult, err error) {
	err = s.run(ctx, "crypto.create_session", func(ctx context.Context) error {
		result, err = s.insertSession(ctx, s.db, session)
		return err
	})
	return result, err
}

func (s *Store) insertSession(ctx context.Context, q execer, session domain.SessionRecord) (domain.ImportResult, error) {
	if session.SessionID == "" || session.SenderKey == "" {
		return 0, domain.InvalidArgument("olm session id and sender key are required")
	}
	if len(session.Pickle) == 0 {
		return 0, domain.InvalidArgument("olm session %s has an empty pickle", session.SessionID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	if session.LastUsedAt.IsZero() {
		session.LastUsedAt = session.CreatedAt
	}
	sealed, err := s.codec.Seal(session.Pickle, olmContext(session.SessionID))
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO olm_sessions (session_id, sender_key, use_count, created_at, last_used_at, pickle) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		session.SessionID, session.SenderKey, session.UseCount,
		sqldb.Millis(session.CreatedAt), sqldb.Millis(session.LastUsedAt), sealed)
	if err != nil {
		return 0, err
	}
	return importResult(res)
}

const olmColumns = `session_id, sender_key, use_count, created_at, last_used_at, pickle`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(row rowScanner) (domain.SessionRecord, error) {
	var r domain.SessionRecord
	var created, lastUsed int64
	var sealed []byte
	if err := row.Scan(&r.SessionID, &r.SenderKey, &r.UseCount, &created, &lastUsed, &sealed); err != nil {
		return domain.SessionRecord{}, err
	}
	pickle, err := s.codec.Open(sealed, olmContext(r.SessionID))
	if err != nil {
		return domain.SessionRecord{}, corrupt("olm_session", r.SessionID, err)
	}
	r.Pickle = pickle
	r.CreatedAt = sqldb.FromMillis(created)
	r.LastUsedAt = sqldb.FromMillis(lastUsed)
	return r, nil
}

// GetSession returns one olm session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session domain.SessionRecord, ok bool, err error) {
	err = s.run(ctx, "crypto.get_session", func(ctx context.Context) error {
		session, err = s.scanSession(s.db.QueryRowContext(ctx,
			`SELECT `+olmColumns+` FROM olm_sessions WHERE session_id = ?`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		ok = err == nil
		return err
	})
	return session, ok, err
}

// SessionsForSender returns the olm sessions with a peer identity key, most
// recently used first.
func (s *Store) SessionsForSender(ctx context.Context, senderKey string) (out []domain.SessionRecord, err error) {
	err = s.run(ctx, "crypto.sessions_for_sender", func(ctx context.Context) error {
		out, err = s.querySessions(ctx, s.db,
			`SELECT `+olmColumns+` FROM olm_sessions WHERE sender_key = ? ORDER BY last_used_at DESC, session_id`, senderKey)
		return err
	})
	return out, err
}

func (s *Store) querySessions(ctx context.Context, q rowsQueryer, query string, args ...any) ([]domain.SessionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.SessionRecord
	for rows.Next() {
		r, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ImportGroupSession stores a received room key if none is stored for the
// same room and session id. An existing session, possibly advanced locally,
// is left untouched and AlreadyPresent is returned.
func (s *Store) ImportGroupSession(ctx context.Context, session domain.InboundGroupSession) (result domain.ImportResult, err error) {
	err = s.run(ctx, "crypto.import_group_session", func(ctx context.Context) error {
		result, err = s.insertInbound(ctx, s.db, session)
		return err
	})
	if err == nil && result == domain.Inserted {
		s.inbound.Invalidate(inboundKey(session.RoomID, session.SessionID))
	}
	return result, err
}

func (s *Store) insertInbound(ctx context.Context, q execer, session domain.InboundGroupSession) (domain.ImportResult, error) {
	if session.RoomID == "" || session.SessionID == "" || session.SenderKey == "" {
		return 0, domain.InvalidArgument("room id, session id and sender key are required")
	}
	if len(session.Pickle) == 0 {
		return 0, domain.InvalidArgument("group session %s has an empty pickle", session.SessionID)
	}
	if session.ImportedAt.IsZero() {
		session.ImportedAt = s.now()
	}
	sealed, err := s.codec.Seal(session.Pickle, inboundContext(session.RoomID, session.SessionID))
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO inbound_group_sessions (room_id, session_id, sender_key, advance_count, backed_up, imported_at, pickle)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, session_id) DO NOTHING`,
		session.RoomID, session.SessionID, session.SenderKey, session.AdvanceCount,
		session.BackedUp, sqldb.Millis(session.ImportedAt), sealed)
	if err != nil {
		return 0, err
	}
	return importResult(res)
}

const inboundColumns = `room_id, session_id, sender_key, advance_count, backed_up, imported_at, pickle`

func (s *Store) scanInbound(row rowScanner) (domain.InboundGroupSession, error) {
	var g domain.InboundGroupSession
	var imported int64
	var sealed []byte
	if err := row.Scan(&g.RoomID, &g.SessionID, &g.SenderKey, &g.AdvanceCount, &g.BackedUp, &imported, &sealed); err != nil {
		return domain.InboundGroupSession{}, err
	}
	pickle, err := s.codec.Open(sealed, inboundContext(g.RoomID, g.SessionID))
	if err != nil {
		return domain.InboundGroupSession{}, corrupt("inbound_group_session", g.RoomID+"/"+g.SessionID, err)
	}
	g.Pickle = pickle
	g.ImportedAt = sqldb.FromMillis(imported)
	return g, nil
}

func (s *Store) queryInbound(ctx context.Context, q rowsQueryer, query string, args ...any) ([]domain.InboundGroupSession, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.InboundGroupSession
	for rows.Next() {
		g, err := s.scanInbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetInboundGroupSession returns one received room key.
func (s *Store) GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (session domain.InboundGroupSession, ok bool, err error) {
	err = s.run(ctx, "crypto.get_inbound_group_session", func(ctx context.Context) error {
		session, ok, err = s.inbound.GetOrLoad(ctx, inboundKey(roomID, sessionID), func(ctx context.Context) (domain.InboundGroupSession, bool, error) {
			g, err := s.scanInbound(s.db.QueryRowContext(ctx,
				`SELECT `+inboundColumns+` FROM inbound_group_sessions WHERE room_id = ? AND session_id = ?`, roomID, sessionID))
			if errors.Is(err, sql.ErrNoRows) {
				return domain.InboundGroupSession{}, false, nil
			}
			return g, err == nil, err
		})
		return err
	})
	return session, ok, err
}

// InboundGroupSessionCounts reports how many room keys exist and how many are backed up.
func (s *Store) InboundGroupSessionCounts(ctx context.Context) (counts domain.RoomKeyCounts, err error) {
	err = s.run(ctx, "crypto.inbound_group_session_counts", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(CASE WHEN backed_up THEN 1 ELSE 0 END), 0) FROM inbound_group_sessions`).
			Scan(&counts.Total, &counts.BackedUp)
	})
	return counts, err
}

// InboundGroupSessionsForBackup returns up to limit room keys not yet backed up.
func (s *Store) InboundGroupSessionsForBackup(ctx context.Context, limit int) (out []domain.InboundGroupSession, err error) {
	err = s.run(ctx, "crypto.inbound_group_sessions_for_backup", func(ctx context.Context) error {
		if limit <= 0 {
			return domain.InvalidArgument("backup batch limit must be positive, got %d", limit)
		}
		out, err = s.queryInbound(ctx, s.db,
			`SELECT `+inboundColumns+` FROM inbound_group_sessions WHERE backed_up = ? ORDER BY room_id, session_id LIMIT ?`,
			false, limit)
		return err
	})
	return out, err
}

// InboundGroupSessions lists every stored room key ordered by room and session.
func (s *Store) InboundGroupSessions(ctx context.Context) (out []domain.InboundGroupSession, err error) {
	err = s.run(ctx, "crypto.inbound_group_sessions", func(ctx context.Context) error {
		out, err = s.queryInbound(ctx, s.db,
			`SELECT `+inboundColumns+` FROM inbound_group_sessions ORDER BY room_id, session_id`)
		return err
	})
	return out, err
}

// MarkBackedUp flags the given sessions of a room as uploaded to key backup.
func (s *Store) MarkBackedUp(ctx context.Context, roomID string, sessionIDs []string) error {
	err := s.run(ctx, "crypto.mark_backed_up", func(ctx context.Context) error {
		return s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
			for _, id := range sessionIDs {
				if _, err := tx.ExecContext(ctx,
					`UPDATE inbound_group_sessions SET backed_up = ? WHERE room_id = ? AND session_id = ?`,
					true, roomID, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
	for _, id := range sessionIDs {
		s.inbound.Invalidate(inboundKey(roomID, id))
	}
	return err
}

// ResetBackupState clears every backed_up flag, for example after a new
// backup version is created.
func (s *Store) ResetBackupState(ctx context.Context) error {
	err := s.run(ctx, "crypto.reset_backup_state", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE inbound_group_sessions SET backed_up = ? WHERE backed_up = ?`, false, true)
		return err
	})
	s.inbound.Purge()
	return err
}

// SaveOutboundGroupSession stores the room's current outbound session.
// Replacing it with a different session id advances the rotation counter.
func (s *Store) SaveOutboundGroupSession(ctx context.Context, session domain.OutboundGroupSession) error {
	return s.run(ctx, "crypto.save_outbound_group_session", func(ctx context.Context) error {
		if session.RoomID == "" || session.SessionID == "" {
			return domain.InvalidArgument("room id and session id are required")
		}
		if len(session.Pickle) == 0 {
			return domain.InvalidArgument("outbound session %s has an empty pickle", session.SessionID)
		}
		if session.CreatedAt.IsZero() {
			session.CreatedAt = s.now()
		}
		release, err := s.locks.Lock(ctx, outboundLock(session.RoomID))
		if err != nil {
			return err
		}
		defer release()
		return s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
			var currentID string
			var rotation uint64
			err := tx.QueryRowContext(ctx,
				`SELECT session_id, rotation_counter FROM outbound_group_sessions WHERE room_id = ?`+tx.ForUpdate(),
				session.RoomID).Scan(&currentID, &rotation)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				rotation = session.RotationCounter
			case err != nil:
				return err
			case currentID != session.SessionID:
				rotation++
			}
			return s.upsertOutbound(ctx, tx, session, rotation)
		})
	})
}

func (s *Store) upsertOutbound(ctx context.Context, q execer, session domain.OutboundGroupSession, rotation uint64) error {
	sealed, err := s.codec.Seal(session.Pickle, outboundContext(session.RoomID, session.SessionID))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO outbound_group_sessions (room_id, session_id, message_count, rotation_counter, created_at, pickle)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET session_id = excluded.session_id, message_count = excluded.message_count,
		   rotation_counter = excluded.rotation_counter, created_at = excluded.created_at, pickle = excluded.pickle`,
		session.RoomID, session.SessionID, session.MessageCount, rotation, sqldb.Millis(session.CreatedAt), sealed)
	return err
}

const outboundColumns = `room_id, session_id, message_count, rotation_counter, created_at, pickle`

func (s *Store) scanOutbound(row rowScanner) (domain.OutboundGroupSession, error) {
	var o domain.OutboundGroupSession
	var created int64
	var sealed []byte
	if err := row.Scan(&o.RoomID, &o.SessionID, &o.MessageCount, &o.RotationCounter, &created, &sealed); err != nil {
		return domain.OutboundGroupSession{}, err
	}
	pickle, err := s.codec.Open(sealed, outboundContext(o.RoomID, o.SessionID))
	if err != nil {
		return domain.OutboundGroupSession{}, corrupt("outbound_group_session", o.RoomID+"/"+o.SessionID, err)
	}
	o.Pickle = pickle
	o.CreatedAt = sqldb.FromMillis(created)
	return o, nil
}

// GetOutboundGroupSession returns the room's current outbound session.
func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID string) (session domain.OutboundGroupSession, ok bool, err error) {
	err = s.run(ctx, "crypto.get_outbound_group_session", func(ctx context.Context) error {
		session, err = s.scanOutbound(s.db.QueryRowContext(ctx,
			`SELECT `+outboundColumns+` FROM outbound_group_sessions WHERE room_id = ?`, roomID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		ok = err == nil
		return err
	})
	return session, ok, err
}

// NeedsRotation reports whether the room needs a fresh outbound session:
// none exists, or the stored one has reached either bound of policy.
func (s *Store) NeedsRotation(ctx context.Context, roomID string, policy domain.RotationPolicy) (rotate bool, err error) {
	err = s.run(ctx, "crypto.needs_rotation", func(ctx context.Context) error {
		var count uint64
		var created int64
		err := s.db.QueryRowContext(ctx,
			`SELECT message_count, created_at FROM outbound_group_sessions WHERE room_id = ?`, roomID).Scan(&count, &created)
		if errors.Is(err, sql.ErrNoRows) {
			rotate = true
			return nil
		}
		if err != nil {
			return err
		}
		if policy.MaxMessages > 0 && count >= policy.MaxMessages {
			rotate = true
		}
		if policy.MaxAge > 0 && s.now().Sub(sqldb.FromMillis(created)) >= policy.MaxAge {
			rotate = true
		}
		return nil
	})
	return rotate, err
}

func outboundLock(roomID string) string { return "outbound:" + roomID }

// callerError carries an AdvanceFunc failure through the transaction so it
// is returned unclassified.
type callerError struct{ err error }

func (e *callerError) Error() string { return e.err.Error() }
func (e *callerError) Unwrap() error { return e.err }

var errAdvanceConflict = errors.New("session row changed during advance")

// AdvanceAndStore steps one persisted ratchet. The current pickle is read,
// decrypted, passed to fn and the returned pickle written back with the
// session counter incremented, all under a per-session lock and inside one
// transaction. Nothing is written when fn fails.
func (s *Store) AdvanceAndStore(ctx context.Context, key domain.SessionKey, fn domain.AdvanceFunc) (result domain.AdvanceResult, err error) {
	ctx, finish := s.hooks.Start(ctx, "crypto.advance_and_store")
	defer func() { finish(err) }()
	if err := key.Validate(); err != nil {
		return domain.AdvanceResult{}, err
	}
	if fn == nil {
		return domain.AdvanceResult{}, domain.InvalidArgument("advance function is required")
	}
	lockKey := "session:" + key.String()
	if key.Kind == domain.SessionOutboundGroup {
		lockKey = outboundLock(key.RoomID)
	}
	release, err := s.locks.Lock(ctx, lockKey)
	if err != nil {
		return domain.AdvanceResult{}, s.db.Classify(ctx, "crypto.advance_and_store", err)
	}
	defer release()

	t := advanceTarget(key)
	err = s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
		var counter uint64
		var sealed []byte
		err := tx.QueryRowContext(ctx, t.selectQuery+tx.ForUpdate(), t.args...).Scan(&counter, &sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("session", key)
		}
		if err != nil {
			return err
		}
		pickle, err := s.codec.Open(sealed, t.context)
		if err != nil {
			return corrupt(string(key.Kind), key.String(), err)
		}
		next, output, err := fn(pickle)
		if err != nil {
			return &callerError{err: err}
		}
		if len(next) == 0 {
			return &callerError{err: domain.InvalidArgument("advance of %s returned an empty pickle", key)}
		}
		resealed, err := s.codec.Seal(next, t.context)
		if err != nil {
			return err
		}
		args := []any{resealed, counter + 1}
		if t.touchesLastUsed {
			args = append(args, sqldb.Millis(s.now()))
		}
		args = append(args, t.args...)
		args = append(args, counter)
		res, err := tx.ExecContext(ctx, t.updateQuery, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return &domain.StorageError{Op: "crypto.advance_and_store", Retryable: true, Err: errAdvanceConflict}
		}
		result = domain.AdvanceResult{Output: output, Counter: counter + 1}
		return nil
	})
	if key.Kind == domain.SessionInboundGroup {
		s.inbound.Invalidate(inboundKey(key.RoomID, key.SessionID))
	}
	var ce *callerError
	if errors.As(err, &ce) {
		return domain.AdvanceResult{}, fmt.Errorf("advance %s: %w", key, ce.err)
	}
	if err != nil {
		if errors.Is(err, domain.ErrCorruption) {
			s.hooks.Logger.Error("session pickle unreadable", "session", key.String(), "error", err)
		}
		return domain.AdvanceResult{}, s.db.Classify(ctx, "crypto.advance_and_store", err)
	}
	s.hooks.Logger.Debug("session advanced", "session", key.String(), "counter", result.Counter)
	return result, nil
}

type target struct {
	selectQuery     string
	updateQuery     string
	args            []any
	context         string
	touchesLastUsed bool
}

func advanceTarget(key domain.SessionKey) target {
	switch key.Kind {
	case domain.SessionOlm:
		return target{
			selectQuery:     `SELECT use_count, pickle FROM olm_sessions WHERE session_id = ?`,
			updateQuery:     `UPDATE olm_sessions SET pickle = ?, use_count = ?, last_used_at = ? WHERE session_id = ? AND use_count = ?`,
			args:            []any{key.SessionID},
			context:         olmContext(key.SessionID),
			touchesLastUsed: true,
		}
	case domain.SessionInboundGroup:
		return target{
			selectQuery: `SELECT advance_count, pickle FROM inbound_group_sessions WHERE room_id = ? AND session_id = ?`,
			updateQuery: `UPDATE inbound_group_sessions SET pickle = ?, advance_count = ? WHERE room_id = ? AND session_id = ? AND advance_count = ?`,
			args:        []any{key.RoomID, key.SessionID},
			context:     inboundContext(key.RoomID, key.SessionID),
		}
	default:
		return target{
			selectQuery: `SELECT message_count, pickle FROM outbound_group_sessions WHERE room_id = ? AND session_id = ?`,
			updateQuery: `UPDATE outbound_group_sessions SET pickle = ?, message_count = ? WHERE room_id = ? AND session_id = ? AND message_count = ?`,
			args:        []any{key.RoomID, key.SessionID},
			context:     outboundContext(key.RoomID, key.SessionID),
		}
	}
}
