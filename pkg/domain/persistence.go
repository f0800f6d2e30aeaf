package domain

import (
	"context"
	"time"
)

// StateStore is the persistence contract consumed by the sync driver and by
// read paths of the client runtime. Implementations are safe for concurrent use.
type StateStore interface {
	// ApplyChanges applies one sync batch atomically. Writes to the same room
	// are serialized; writes to distinct rooms proceed in parallel.
	ApplyChanges(ctx context.Context, batch Batch) error
	GetState(ctx context.Context, roomID, eventType, stateKey string) (StateEntry, bool, error)
	GetStateByType(ctx context.Context, roomID, eventType string) ([]StateEntry, error)
	GetAccountData(ctx context.Context, roomID, dataType string) (AccountDataEntry, bool, error)
	// GetCursor returns the last durably committed sync token. ok is false on
	// a fresh store.
	GetCursor(ctx context.Context) (token string, ok bool, err error)
	GetRoom(ctx context.Context, roomID string) (Room, bool, error)
	ListRooms(ctx context.Context, membership Membership) ([]Room, error)
	GetTimeline(ctx context.Context, roomID string, limit int) ([]TimelineEvent, error)
	// Prune reclaims superseded state history and timeline rows strictly
	// below beforeOrdering. Current state is never removed.
	Prune(ctx context.Context, roomID string, beforeOrdering int64) (int64, error)
}

// CryptoStore persists end-to-end encryption material. Every pickle and secret
// is sealed at rest; plaintext columns carry only identifiers and counters.
type CryptoStore interface {
	SaveAccount(ctx context.Context, pickle []byte) error
	LoadAccount(ctx context.Context) ([]byte, bool, error)
	SavePrivateIdentity(ctx context.Context, pickle []byte) error
	LoadPrivateIdentity(ctx context.Context) ([]byte, bool, error)
	SaveBackupKeys(ctx context.Context, version string, recoveryKey []byte) error
	LoadBackupKeys(ctx context.Context) (version string, recoveryKey []byte, err error)

	SaveDevice(ctx context.Context, device DeviceIdentity) error
	GetDevice(ctx context.Context, userID, deviceID string) (DeviceIdentity, bool, error)
	ListUserDevices(ctx context.Context, userID string) ([]DeviceIdentity, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	SetDeviceTrust(ctx context.Context, userID, deviceID string, trust TrustState) error

	// CreateSession stores a new olm session. An existing session with the same
	// id is never overwritten; AlreadyPresent is returned instead.
	CreateSession(ctx context.Context, session SessionRecord) (ImportResult, error)
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	SessionsForSender(ctx context.Context, senderKey string) ([]SessionRecord, error)

	ImportGroupSession(ctx context.Context, session InboundGroupSession) (ImportResult, error)
	GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (InboundGroupSession, bool, error)
	InboundGroupSessionCounts(ctx context.Context) (RoomKeyCounts, error)
	InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]InboundGroupSession, error)
	InboundGroupSessions(ctx context.Context) ([]InboundGroupSession, error)
	MarkBackedUp(ctx context.Context, roomID string, sessionIDs []string) error
	ResetBackupState(ctx context.Context) error

	SaveOutboundGroupSession(ctx context.Context, session OutboundGroupSession) error
	GetOutboundGroupSession(ctx context.Context, roomID string) (OutboundGroupSession, bool, error)
	NeedsRotation(ctx context.Context, roomID string, policy RotationPolicy) (bool, error)

	// AdvanceAndStore loads the pickle for key, applies fn and persists the
	// result in one transaction. Concurrent calls for the same key serialize.
	AdvanceAndStore(ctx context.Context, key SessionKey, fn AdvanceFunc) (AdvanceResult, error)

	SaveCrossSigningKeys(ctx context.Context, keys CrossSigningKeySet) error
	GetCrossSigningKeys(ctx context.Context, userID string) (CrossSigningKeySet, bool, error)
	SaveSecret(ctx context.Context, name string, value []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, bool, error)
	DeleteSecret(ctx context.Context, name string) error

	SaveTrackedUsers(ctx context.Context, users []TrackedUser) error
	TrackedUsers(ctx context.Context) ([]TrackedUser, error)
	// MarkMessageKnown records a message hash and reports whether it was
	// already recorded.
	MarkMessageKnown(ctx context.Context, senderKey string, hash []byte) (bool, error)
	IsMessageKnown(ctx context.Context, senderKey string, hash []byte) (bool, error)

	SaveSecretRequest(ctx context.Context, req SecretRequest) error
	GetSecretRequest(ctx context.Context, requestID string) (SecretRequest, bool, error)
	// GetSecretRequestByInfo looks a request up by the secret or room key it
	// asks for.
	GetSecretRequestByInfo(ctx context.Context, infoKey string) (SecretRequest, bool, error)
	UnsentSecretRequests(ctx context.Context) ([]SecretRequest, error)
	DeleteSecretRequest(ctx context.Context, requestID string) error

	// Export is a point-in-time snapshot read in one transaction.
	Export(ctx context.Context) (CryptoExport, error)
	Import(ctx context.Context, export CryptoExport) (ImportSummary, error)
}

// MediaStore keeps write-once media payloads keyed by content identifier.
type MediaStore interface {
	PutMedia(ctx context.Context, contentID string, data []byte, contentType string) (MediaInfo, error)
	GetMedia(ctx context.Context, contentID string) (MediaInfo, []byte, error)
	HasMedia(ctx context.Context, contentID string) (bool, error)
}

// Clock abstracts time for stores that stamp rows.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
