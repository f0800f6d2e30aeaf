package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

// applied carries the committed values a batch leaves behind so the caches
// can be refreshed once the transaction is durable.
type applied struct {
	state       map[string]domain.StateEntry
	accountData map[string]domain.AccountDataEntry
}

// ApplyChanges writes one sync batch in a single transaction. For a state key
// the update with the higher ordering wins; on equal ordering the later one
// wins, both within a batch and across batches. The cursor is written last.
func (s *Store) ApplyChanges(ctx context.Context, batch domain.Batch) (err error) {
	ctx, finish := s.hooks.Start(ctx, opApply)
	defer func() { finish(err) }()
	if err := validateBatch(batch); err != nil {
		return err
	}
	if batch.RoomID == "" && len(batch.AccountData) == 0 && batch.Cursor == "" {
		return nil
	}
	updates := collapseState(batch.State)

	release, err := s.locks.Lock(ctx, lockKeys(batch)...)
	if err != nil {
		return s.db.Classify(ctx, opApply, err)
	}
	defer release()

	now := sqldb.Millis(s.now())
	var res applied
	err = s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
		res = applied{
			state:       make(map[string]domain.StateEntry, len(updates)),
			accountData: make(map[string]domain.AccountDataEntry, len(batch.AccountData)),
		}
		if batch.RoomID != "" {
			if err := upsertRoom(ctx, tx, batch.RoomID, batch.Membership, now); err != nil {
				return err
			}
		}
		for _, u := range updates {
			entry, err := applyState(ctx, tx, batch.RoomID, u, now)
			if err != nil {
				return err
			}
			res.state[stateCacheKey(entry.RoomID, entry.EventType, entry.StateKey)] = entry
		}
		if err := appendTimeline(ctx, tx, batch.RoomID, batch.Timeline); err != nil {
			return err
		}
		for _, u := range batch.AccountData {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO account_data (room_id, data_type, content, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (room_id, data_type) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
				u.RoomID, u.DataType, []byte(u.Content), now); err != nil {
				return err
			}
			res.accountData[accountDataCacheKey(u.RoomID, u.DataType)] = domain.AccountDataEntry{
				RoomID:    u.RoomID,
				DataType:  u.DataType,
				Content:   cloneRaw(u.Content),
				UpdatedAt: sqldb.FromMillis(now),
			}
		}
		if batch.Cursor != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sync_cursor (id, token, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
				1, batch.Cursor, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.forget(batch, updates)
		s.hooks.Logger.Warn("sync batch rolled back", "room_id", batch.RoomID, "error", err)
		return s.db.Classify(ctx, opApply, err)
	}

	for key, entry := range res.state {
		s.state.Set(key, entry)
	}
	for key, entry := range res.accountData {
		s.accountData.Set(key, entry)
	}
	if batch.Cursor != "" {
		// Cursor writes are not serialized across rooms, so the cached token
		// is dropped rather than overwritten.
		s.cursor.Invalidate(cursorKey)
	}
	s.hooks.Logger.Debug("applied sync batch",
		"room_id", batch.RoomID,
		"state", len(updates),
		"timeline", len(batch.Timeline),
		"account_data", len(batch.AccountData),
		"cursor_advanced", batch.Cursor != "")
	return nil
}

// forget drops every cache entry a failed batch may have touched. A timed out
// commit may still have landed.
func (s *Store) forget(batch domain.Batch, updates []domain.StateUpdate) {
	for _, u := range updates {
		s.state.Invalidate(stateCacheKey(batch.RoomID, u.EventType, u.StateKey))
	}
	for _, u := range batch.AccountData {
		s.accountData.Invalidate(accountDataCacheKey(u.RoomID, u.DataType))
	}
	if batch.Cursor != "" {
		s.cursor.Invalidate(cursorKey)
	}
}

func upsertRoom(ctx context.Context, tx *sqldb.Tx, roomID string, membership domain.Membership, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (room_id, membership, timeline_position, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET
		   membership = CASE WHEN excluded.membership = '' THEN rooms.membership ELSE excluded.membership END,
		   updated_at = excluded.updated_at`,
		roomID, string(membership), 0, now)
	return err
}

// applyState writes u unless the stored row is newer, and returns the row
// that is current afterwards.
func applyState(ctx context.Context, tx *sqldb.Tx, roomID string, u domain.StateUpdate, now int64) (domain.StateEntry, error) {
	incoming := domain.StateEntry{
		RoomID:    roomID,
		EventType: u.EventType,
		StateKey:  u.StateKey,
		Content:   cloneRaw(u.Content),
		EventID:   u.EventID,
		Ordering:  u.Ordering,
	}
	current := domain.StateEntry{RoomID: roomID, EventType: u.EventType, StateKey: u.StateKey}
	var content []byte
	err := tx.QueryRowContext(ctx,
		`SELECT event_id, ordering, content FROM room_state WHERE room_id = ? AND event_type = ? AND state_key = ?`+tx.ForUpdate(),
		roomID, u.EventType, u.StateKey).Scan(&current.EventID, &current.Ordering, &content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.StateEntry{}, err
	default:
		current.Content = json.RawMessage(content)
		if current.Ordering > u.Ordering {
			return current, nil
		}
		if current.EventID != u.EventID {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO state_history (room_id, event_type, state_key, event_id, ordering, content, superseded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (room_id, event_type, state_key, event_id) DO NOTHING`,
				roomID, current.EventType, current.StateKey, current.EventID, current.Ordering, []byte(current.Content), now); err != nil {
				return domain.StateEntry{}, err
			}
		}
	}
	if err := writeState(ctx, tx, roomID, u); err != nil {
		return domain.StateEntry{}, err
	}
	return incoming, nil
}

// writeState upserts the state row. A stored row with a higher ordering is
// left untouched even when the caller's read missed it.
func writeState(ctx context.Context, tx *sqldb.Tx, roomID string, u domain.StateUpdate) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO room_state (room_id, event_type, state_key, event_id, ordering, content) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET
		   event_id = excluded.event_id, ordering = excluded.ordering, content = excluded.content
		 WHERE excluded.ordering >= room_state.ordering`,
		roomID, u.EventType, u.StateKey, u.EventID, u.Ordering, []byte(u.Content))
	return err
}

func appendTimeline(ctx context.Context, tx *sqldb.Tx, roomID string, events []domain.TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	var top int64
	for _, ev := range events {
		var stateKey any
		if ev.StateKey != nil {
			stateKey = *ev.StateKey
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timeline_events (room_id, event_id, ordering, event_type, sender, state_key) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id, event_id) DO NOTHING`,
			roomID, ev.EventID, ev.Ordering, ev.EventType, ev.Sender, stateKey); err != nil {
			return err
		}
		if ev.Ordering > top {
			top = ev.Ordering
		}
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE rooms SET timeline_position = ? WHERE room_id = ? AND timeline_position < ?`,
		top, roomID, top)
	return err
}

func validateBatch(b domain.Batch) error {
	if !b.Membership.Valid() {
		return domain.InvalidArgument("unknown membership %q", b.Membership)
	}
	if b.RoomID == "" {
		if b.Membership != domain.MembershipUnknown || len(b.State) > 0 || len(b.Timeline) > 0 {
			return domain.InvalidArgument("state, timeline and membership require a room id")
		}
	}
	for i, u := range b.State {
		if u.EventType == "" || u.EventID == "" {
			return domain.InvalidArgument("state update %d: event type and event id are required", i)
		}
		if u.Ordering < 0 {
			return domain.InvalidArgument("state update %d: negative ordering %d", i, u.Ordering)
		}
		if !json.Valid(u.Content) {
			return domain.InvalidArgument("state update %d: content is not valid JSON", i)
		}
	}
	for i, ev := range b.Timeline {
		if ev.EventID == "" || ev.EventType == "" {
			return domain.InvalidArgument("timeline event %d: event id and type are required", i)
		}
		if ev.Ordering < 0 {
			return domain.InvalidArgument("timeline event %d: negative ordering %d", i, ev.Ordering)
		}
	}
	for i, u := range b.AccountData {
		if u.DataType == "" {
			return domain.InvalidArgument("account data %d: type is required", i)
		}
		if u.RoomID != "" && u.RoomID != b.RoomID {
			return domain.InvalidArgument("account data %d: room %q outside batch room %q", i, u.RoomID, b.RoomID)
		}
		if !json.Valid(u.Content) {
			return domain.InvalidArgument("account data %d: content is not valid JSON", i)
		}
	}
	return nil
}

// collapseState keeps one update per state key: the highest ordering, and the
// later one in input order on ties. First-appearance order is preserved.
func collapseState(in []domain.StateUpdate) []domain.StateUpdate {
	if len(in) < 2 {
		return in
	}
	type key struct{ eventType, stateKey string }
	index := make(map[key]int, len(in))
	out := make([]domain.StateUpdate, 0, len(in))
	for _, u := range in {
		k := key{u.EventType, u.StateKey}
		if i, ok := index[k]; ok {
			if u.Ordering >= out[i].Ordering {
				out[i] = u
			}
			continue
		}
		index[k] = len(out)
		out = append(out, u)
	}
	return out
}

func lockKeys(b domain.Batch) []string {
	var keys []string
	if b.RoomID != "" {
		keys = append(keys, roomLock(b.RoomID))
	}
	for _, u := range b.AccountData {
		if u.RoomID == "" {
			keys = append(keys, globalLock)
			break
		}
	}
	return keys
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
