// Package domain holds the persistence contracts and record types shared by the
// state store, crypto store and their backends.
package domain

import (
	"encoding/json"
	"time"
)

// Membership is the local user's relation to a room. Leaving a room is a flag
// on the room row; rooms are never deleted.
type Membership string

const (
	MembershipUnknown Membership = ""
	MembershipJoin    Membership = "join"
	MembershipInvite  Membership = "invite"
	MembershipLeave   Membership = "leave"
)

// Valid reports whether m is one of the known membership values.
func (m Membership) Valid() bool {
	switch m {
	case MembershipUnknown, MembershipJoin, MembershipInvite, MembershipLeave:
		return true
	}
	return false
}

// StateUpdate is one decoded state event from a sync batch. Ordering is the
// server-asserted stream position; the update with the higher ordering wins
// regardless of the order in which batches arrive locally.
type StateUpdate struct {
	EventType string          `json:"type"`
	StateKey  string          `json:"state_key"`
	Content   json.RawMessage `json:"content"`
	EventID   string          `json:"event_id"`
	Ordering  int64           `json:"ordering"`
}

// StateEntry is the current value for a (room, type, state key) tuple.
type StateEntry struct {
	RoomID    string          `json:"room_id"`
	EventType string          `json:"type"`
	StateKey  string          `json:"state_key"`
	Content   json.RawMessage `json:"content"`
	EventID   string          `json:"event_id"`
	Ordering  int64           `json:"ordering"`
}

// AccountDataUpdate replaces the account data of DataType, scoped to RoomID or
// global when RoomID is empty.
type AccountDataUpdate struct {
	RoomID   string          `json:"room_id,omitempty"`
	DataType string          `json:"type"`
	Content  json.RawMessage `json:"content"`
}

// AccountDataEntry is the stored value of one account data key.
type AccountDataEntry struct {
	RoomID    string          `json:"room_id,omitempty"`
	DataType  string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TimelineEvent is linearization metadata for one timeline event. The event
// body is not stored here.
type TimelineEvent struct {
	EventID   string  `json:"event_id"`
	Ordering  int64   `json:"ordering"`
	EventType string  `json:"type"`
	Sender    string  `json:"sender"`
	StateKey  *string `json:"state_key,omitempty"`
}

// Batch is everything one sync response contributes for a single room (or for
// no room when RoomID is empty), applied atomically together with Cursor.
type Batch struct {
	RoomID      string
	Membership  Membership
	State       []StateUpdate
	Timeline    []TimelineEvent
	AccountData []AccountDataUpdate
	// Cursor is written last. Empty leaves the stored cursor unchanged.
	Cursor string
}

// Room is the per-room bookkeeping row.
type Room struct {
	RoomID           string     `json:"room_id"`
	Membership       Membership `json:"membership"`
	TimelinePosition int64      `json:"timeline_position"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MediaInfo describes a stored media payload.
type MediaInfo struct {
	ContentID   string    `json:"content_id"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
	StoredAt    time.Time `json:"stored_at"`
}
