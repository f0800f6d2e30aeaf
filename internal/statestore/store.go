// Package statestore persists room state, account data, timeline ordering and
// the sync cursor on top of a dialect-aware SQL handle, with a write-through
// cache in front of the point reads.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatstore/internal/cache"
	"chatstore/internal/keylock"
	"chatstore/internal/observe"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

const (
	opApply          = "state.apply_changes"
	opGetState       = "state.get_state"
	opGetStateByType = "state.get_state_by_type"
	opGetAccountData = "state.get_account_data"
	opGetCursor      = "state.get_cursor"
	opGetRoom        = "state.get_room"
	opListRooms      = "state.list_rooms"
	opGetTimeline    = "state.get_timeline"
	opPrune          = "state.prune"

	globalLock = "global"
	cursorKey  = "cursor"
)

// Store implements domain.StateStore.
type Store struct {
	db          *sqldb.DB
	locks       *keylock.Set
	state       *cache.Cache[domain.StateEntry]
	accountData *cache.Cache[domain.AccountDataEntry]
	cursor      *cache.Cache[string]
	hooks       observe.Hooks
	now         func() time.Time
}

var _ domain.StateStore = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	cache cache.Config
	hooks observe.Hooks
	now   func() time.Time
}

// WithCache sets the capacity of the state and account data caches.
func WithCache(cfg cache.Config) Option {
	return func(o *options) { o.cache = cfg }
}

// WithHooks installs logging, metrics and tracing hooks.
func WithHooks(h observe.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithClock overrides the clock used for updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds a Store over an already migrated database.
func New(db *sqldb.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("statestore: nil database")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	stateCfg := o.cache
	stateCfg.Name = "state"
	state, err := cache.New[domain.StateEntry](stateCfg, func(key string, e domain.StateEntry) int64 {
		return int64(len(key) + len(e.Content) + len(e.EventID) + 16)
	})
	if err != nil {
		return nil, err
	}
	adCfg := o.cache
	adCfg.Name = "account_data"
	accountData, err := cache.New[domain.AccountDataEntry](adCfg, func(key string, e domain.AccountDataEntry) int64 {
		return int64(len(key) + len(e.Content) + 16)
	})
	if err != nil {
		return nil, err
	}
	cursorCfg := o.cache
	cursorCfg.Name = "cursor"
	cursorCfg.MaxEntries = 1
	cursorCfg.Shards = 1
	cursorCfg.MaxBytes = 0
	cursor, err := cache.New[string](cursorCfg, nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:          db,
		locks:       keylock.New(),
		state:       state,
		accountData: accountData,
		cursor:      cursor,
		hooks:       o.hooks.WithDefaults(),
		now:         o.now,
	}, nil
}

// PurgeCache drops every cached entry. Reads fall through to the database.
func (s *Store) PurgeCache() {
	s.state.Purge()
	s.accountData.Purge()
	s.cursor.Purge()
}

func stateCacheKey(roomID, eventType, stateKey string) string {
	return roomID + "\x00" + eventType + "\x00" + stateKey
}

func accountDataCacheKey(roomID, dataType string) string {
	return roomID + "\x00" + dataType
}

func roomLock(roomID string) string { return "room:" + roomID }

// GetState returns the current value of one state key.
func (s *Store) GetState(ctx context.Context, roomID, eventType, stateKey string) (entry domain.StateEntry, ok bool, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetState)
	defer func() { finish(err) }()
	if roomID == "" || eventType == "" {
		return domain.StateEntry{}, false, domain.InvalidArgument("room id and event type are required")
	}
	return s.state.GetOrLoad(ctx, stateCacheKey(roomID, eventType, stateKey), func(ctx context.Context) (domain.StateEntry, bool, error) {
		e := domain.StateEntry{RoomID: roomID, EventType: eventType, StateKey: stateKey}
		var content []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT event_id, ordering, content FROM room_state WHERE room_id = ? AND event_type = ? AND state_key = ?`,
			roomID, eventType, stateKey).Scan(&e.EventID, &e.Ordering, &content)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StateEntry{}, false, nil
		}
		if err != nil {
			return domain.StateEntry{}, false, s.db.Classify(ctx, opGetState, err)
		}
		e.Content = json.RawMessage(content)
		return e, true, nil
	})
}

// GetStateByType returns every state key of eventType in the room, ordered by
// state key. Range reads bypass the cache.
func (s *Store) GetStateByType(ctx context.Context, roomID, eventType string) (out []domain.StateEntry, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetStateByType)
	defer func() { finish(err) }()
	if roomID == "" || eventType == "" {
		return nil, domain.InvalidArgument("room id and event type are required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_key, event_id, ordering, content FROM room_state WHERE room_id = ? AND event_type = ? ORDER BY state_key`,
		roomID, eventType)
	if err != nil {
		return nil, s.db.Classify(ctx, opGetStateByType, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e := domain.StateEntry{RoomID: roomID, EventType: eventType}
		var content []byte
		if err := rows.Scan(&e.StateKey, &e.EventID, &e.Ordering, &content); err != nil {
			return nil, s.db.Classify(ctx, opGetStateByType, err)
		}
		e.Content = json.RawMessage(content)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.db.Classify(ctx, opGetStateByType, err)
	}
	return out, nil
}

// GetAccountData returns room-scoped account data, or global account data
// when roomID is empty.
func (s *Store) GetAccountData(ctx context.Context, roomID, dataType string) (entry domain.AccountDataEntry, ok bool, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetAccountData)
	defer func() { finish(err) }()
	if dataType == "" {
		return domain.AccountDataEntry{}, false, domain.InvalidArgument("account data type is required")
	}
	return s.accountData.GetOrLoad(ctx, accountDataCacheKey(roomID, dataType), func(ctx context.Context) (domain.AccountDataEntry, bool, error) {
		e := domain.AccountDataEntry{RoomID: roomID, DataType: dataType}
		var content []byte
		var updated int64
		err := s.db.QueryRowContext(ctx,
			`SELECT content, updated_at FROM account_data WHERE room_id = ? AND data_type = ?`,
			roomID, dataType).Scan(&content, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AccountDataEntry{}, false, nil
		}
		if err != nil {
			return domain.AccountDataEntry{}, false, s.db.Classify(ctx, opGetAccountData, err)
		}
		e.Content = json.RawMessage(content)
		e.UpdatedAt = sqldb.FromMillis(updated)
		return e, true, nil
	})
}

// GetCursor returns the last committed sync token.
func (s *Store) GetCursor(ctx context.Context) (token string, ok bool, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetCursor)
	defer func() { finish(err) }()
	return s.cursor.GetOrLoad(ctx, cursorKey, func(ctx context.Context) (string, bool, error) {
		var token string
		err := s.db.QueryRowContext(ctx, `SELECT token FROM sync_cursor WHERE id = 1`).Scan(&token)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, s.db.Classify(ctx, opGetCursor, err)
		}
		return token, true, nil
	})
}

// GetRoom returns the bookkeeping row of one room.
func (s *Store) GetRoom(ctx context.Context, roomID string) (room domain.Room, ok bool, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetRoom)
	defer func() { finish(err) }()
	if roomID == "" {
		return domain.Room{}, false, domain.InvalidArgument("room id is required")
	}
	room = domain.Room{RoomID: roomID}
	var membership string
	var updated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT membership, timeline_position, updated_at FROM rooms WHERE room_id = ?`, roomID).
		Scan(&membership, &room.TimelinePosition, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, false, nil
	}
	if err != nil {
		return domain.Room{}, false, s.db.Classify(ctx, opGetRoom, err)
	}
	room.Membership = domain.Membership(membership)
	room.UpdatedAt = sqldb.FromMillis(updated)
	return room, true, nil
}

// ListRooms returns rooms ordered by id. MembershipUnknown lists every room.
func (s *Store) ListRooms(ctx context.Context, membership domain.Membership) (out []domain.Room, err error) {
	ctx, finish := s.hooks.Start(ctx, opListRooms)
	defer func() { finish(err) }()
	if !membership.Valid() {
		return nil, domain.InvalidArgument("unknown membership %q", membership)
	}
	query := `SELECT room_id, membership, timeline_position, updated_at FROM rooms`
	var args []any
	if membership != domain.MembershipUnknown {
		query += ` WHERE membership = ?`
		args = append(args, string(membership))
	}
	query += ` ORDER BY room_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.db.Classify(ctx, opListRooms, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var r domain.Room
		var m string
		var updated int64
		if err := rows.Scan(&r.RoomID, &m, &r.TimelinePosition, &updated); err != nil {
			return nil, s.db.Classify(ctx, opListRooms, err)
		}
		r.Membership = domain.Membership(m)
		r.UpdatedAt = sqldb.FromMillis(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.db.Classify(ctx, opListRooms, err)
	}
	return out, nil
}

// GetTimeline returns the newest limit timeline events of the room in
// ascending ordering.
func (s *Store) GetTimeline(ctx context.Context, roomID string, limit int) (out []domain.TimelineEvent, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetTimeline)
	defer func() { finish(err) }()
	if roomID == "" {
		return nil, domain.InvalidArgument("room id is required")
	}
	if limit <= 0 {
		return nil, domain.InvalidArgument("timeline limit must be positive, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ordering, event_type, sender, state_key FROM timeline_events WHERE room_id = ? ORDER BY ordering DESC, event_id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, s.db.Classify(ctx, opGetTimeline, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var ev domain.TimelineEvent
		var stateKey sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.Ordering, &ev.EventType, &ev.Sender, &stateKey); err != nil {
			return nil, s.db.Classify(ctx, opGetTimeline, err)
		}
		if stateKey.Valid {
			sk := stateKey.String
			ev.StateKey = &sk
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.db.Classify(ctx, opGetTimeline, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes superseded state history and timeline rows of the room with
// ordering strictly below beforeOrdering. Current state rows are untouched.
func (s *Store) Prune(ctx context.Context, roomID string, beforeOrdering int64) (removed int64, err error) {
	ctx, finish := s.hooks.Start(ctx, opPrune)
	defer func() { finish(err) }()
	if roomID == "" {
		return 0, domain.InvalidArgument("room id is required")
	}
	release, err := s.locks.Lock(ctx, roomLock(roomID))
	if err != nil {
		return 0, s.db.Classify(ctx, opPrune, err)
	}
	defer release()
	err = s.db.InTx(ctx, nil, func(tx *sqldb.Tx) error {
		for _, query := range []string{
			`DELETE FROM state_history WHERE room_id = ? AND ordering < ?`,
			`DELETE FROM timeline_events WHERE room_id = ? AND ordering < ?`,
		} {
			res, err := tx.ExecContext(ctx, query, roomID, beforeOrdering)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, s.db.Classify(ctx, opPrune, err)
	}
	s.hooks.Logger.Debug("pruned room history", "room_id", roomID, "before", beforeOrdering, "removed", removed)
	return removed, nil
}
