package domain

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every typed error below matches exactly one of them through
// errors.Is so callers can branch on the kind without type assertions.
var (
	ErrStorage            = errors.New("storage error")
	ErrTimeout            = errors.New("storage deadline exceeded")
	ErrMigration          = errors.New("schema migration failed")
	ErrDecrypt            = errors.New("decryption failed")
	ErrCorruption         = errors.New("stored record corrupted")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrMediaExists        = errors.New("media content already exists with different bytes")
	ErrEncryptionDisabled = errors.New("crypto store disabled: no encryption key configured")
)

// StorageError reports a backend I/O or transaction failure. The operation had
// no effect and the caller may retry it as a whole.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TimeoutError reports that a caller-imposed deadline expired. The durability
// of the operation is unknown; callers must re-read before assuming either outcome.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// MigrationError is fatal at startup: the schema is left at the last version
// that applied cleanly and the process must not continue.
type MigrationError struct {
	Dialect string
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s to version %d: %v", e.Dialect, e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMigration.
func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// DecryptError is returned when an encrypted field fails authentication.
type DecryptError struct {
	Context string
	Err     error
}

func (e *DecryptError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decrypt %q: authentication failed", e.Context)
	}
	return fmt.Sprintf("decrypt %q: %v", e.Context, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecrypt.
func (e *DecryptError) Is(target error) bool { return target == ErrDecrypt }

// CorruptionError marks a persisted record that cannot be read back.
// It is never downgraded to "record absent".
type CorruptionError struct {
	Kind string
	Key  string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt %s record %s: %v", e.Kind, e.Key, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCorruption.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// InvalidArgument wraps ErrInvalidArgument with a description.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
