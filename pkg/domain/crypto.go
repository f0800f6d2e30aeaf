package domain

import (
	"fmt"
	"time"
)

// TrustState is the local verification decision for a device.
type TrustState string

const (
	TrustUnset       TrustState = ""
	TrustVerified    TrustState = "verified"
	TrustBlacklisted TrustState = "blacklisted"
	TrustIgnored     TrustState = "ignored"
)

// DeviceIdentity is the public identity of one (user, device) pair.
type DeviceIdentity struct {
	UserID      string            `json:"user_id"`
	DeviceID    string            `json:"device_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Algorithms  []string          `json:"algorithms,omitempty"`
	Keys        map[string]string `json:"keys"`
	Signatures  []byte            `json:"signatures,omitempty"`
	Trust       TrustState        `json:"trust"`
}

// SessionKind selects which ratchet table a SessionKey addresses.
type SessionKind string

const (
	SessionOlm           SessionKind = "olm"
	SessionInboundGroup  SessionKind = "inbound_group"
	SessionOutboundGroup SessionKind = "outbound_group"
)

// SessionKey addresses one persisted ratchet. RoomID is required for group
// sessions and must be empty for olm sessions.
type SessionKey struct {
	Kind      SessionKind
	RoomID    string
	SessionID string
}

func (k SessionKey) String() string {
	if k.RoomID == "" {
		return fmt.Sprintf("%s/%s", k.Kind, k.SessionID)
	}
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.RoomID, k.SessionID)
}

// Validate checks that the key is well formed for its kind.
func (k SessionKey) Validate() error {
	if k.SessionID == "" {
		return InvalidArgument("session id is required")
	}
	switch k.Kind {
	case SessionOlm:
		if k.RoomID != "" {
			return InvalidArgument("olm session %s must not carry a room id", k.SessionID)
		}
	case SessionInboundGroup, SessionOutboundGroup:
		if k.RoomID == "" {
			return InvalidArgument("group session %s requires a room id", k.SessionID)
		}
	default:
		return InvalidArgument("unknown session kind %q", k.Kind)
	}
	return nil
}

// SessionRecord is a one-to-one (olm) session. Pickle is opaque.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	SenderKey  string    `json:"sender_key"`
	Pickle     []byte    `json:"pickle"`
	UseCount   uint64    `json:"use_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// InboundGroupSession is a received room key.
type InboundGroupSession struct {
	RoomID       string    `json:"room_id"`
	SessionID    string    `json:"session_id"`
	SenderKey    string    `json:"sender_key"`
	Pickle       []byte    `json:"pickle"`
	AdvanceCount uint64    `json:"advance_count"`
	BackedUp     bool      `json:"backed_up"`
	ImportedAt   time.Time `json:"imported_at"`
}

// OutboundGroupSession is a room key this device sends with. MessageCount and
// RotationCounter drive the re-keying decision.
type OutboundGroupSession struct {
	RoomID          string    `json:"room_id"`
	SessionID       string    `json:"session_id"`
	Pickle          []byte    `json:"pickle"`
	MessageCount    uint64    `json:"message_count"`
	RotationCounter uint64    `json:"rotation_counter"`
	CreatedAt       time.Time `json:"created_at"`
}

// RotationPolicy bounds how long an outbound group session may be used.
// Zero fields disable the corresponding bound.
type RotationPolicy struct {
	MaxMessages uint64
	MaxAge      time.Duration
}

// CrossSigningKeySet holds the public cross-signing keys of one user.
type CrossSigningKeySet struct {
	UserID         string `json:"user_id"`
	MasterKey      []byte `json:"master_key"`
	SelfSigningKey []byte `json:"self_signing_key,omitempty"`
	UserSigningKey []byte `json:"user_signing_key,omitempty"`
}

// TrackedUser is a user whose device list is followed. Dirty users need a key query.
type TrackedUser struct {
	UserID string `json:"user_id"`
	Dirty  bool   `json:"dirty"`
}

// SecretRequest is an outgoing request for a secret or room key.
type SecretRequest struct {
	RequestID   string `json:"request_id"`
	RecipientID string `json:"recipient_id"`
	InfoKey     string `json:"info_key"`
	SentOut     bool   `json:"sent_out"`
	Payload     []byte `json:"payload"`
}

// RoomKeyCounts summarises inbound group session backup progress.
type RoomKeyCounts struct {
	Total    int64 `json:"total"`
	BackedUp int64 `json:"backed_up"`
}

// AdvanceFunc steps a ratchet. It receives the current pickle and returns the
// next pickle plus whatever output the step produced. It must be pure: the
// store may discard its result when the surrounding transaction fails.
type AdvanceFunc func(pickle []byte) (next []byte, output []byte, err error)

// AdvanceResult is the outcome of a committed advance.
type AdvanceResult struct {
	Output []byte
	// Counter is the session's use/message counter after this advance.
	Counter uint64
}

// ImportResult reports whether an insert-if-absent write stored anything.
type ImportResult int

const (
	Inserted ImportResult = iota + 1
	AlreadyPresent
)

func (r ImportResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	}
	return "unknown"
}

// CryptoExport is a point-in-time copy of every crypto table, decrypted.
// Treat it as secret material.
type CryptoExport struct {
	SnapshotID       string                 `json:"snapshot_id"`
	CreatedAt        time.Time              `json:"created_at"`
	SchemaVersion    int                    `json:"schema_version"`
	Account          []byte                 `json:"account,omitempty"`
	PrivateIdentity  []byte                 `json:"private_identity,omitempty"`
	BackupVersion    string                 `json:"backup_version,omitempty"`
	RecoveryKey      []byte                 `json:"recovery_key,omitempty"`
	Devices          []DeviceIdentity       `json:"devices"`
	Sessions         []SessionRecord        `json:"sessions"`
	InboundSessions  []InboundGroupSession  `json:"inbound_group_sessions"`
	OutboundSessions []OutboundGroupSession `json:"outbound_group_sessions"`
	CrossSigningKeys []CrossSigningKeySet   `json:"cross_signing_keys"`
	Secrets          map[string][]byte      `json:"secrets"`
	TrackedUsers     []TrackedUser          `json:"tracked_users"`
}

// ImportSummary counts what an import stored versus skipped. Session ratchets
// count as Inserted or AlreadyPresent; records with replace semantics
// (devices, keys, secrets, tracked users) count as Replaced.
type ImportSummary struct {
	Inserted       int `json:"inserted"`
	AlreadyPresent int `json:"already_present"`
	Replaced       int `json:"replaced"`
}
