package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTypedErrorsMatchOneKind(t *testing.T) {
	kinds := []error{ErrStorage, ErrTimeout, ErrMigration, ErrDecrypt, ErrCorruption}
	cases := []struct {
		err  error
		want error
	}{
		{&StorageError{Op: "state.apply_changes", Err: errors.New("disk full")}, ErrStorage},
		{&TimeoutError{Op: "state.get_state", Err: context.DeadlineExceeded}, ErrTimeout},
		{&MigrationError{Dialect: "sqlite", Version: 2, Err: errors.New("syntax")}, ErrMigration},
		{&DecryptError{Context: "olm_sessions/s1"}, ErrDecrypt},
		{&CorruptionError{Kind: "olm_sessions", Key: "s1", Err: &DecryptError{}}, ErrCorruption},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		for _, kind := range kinds {
			got := errors.Is(wrapped, kind)
			if kind == tc.want && !got {
				t.Fatalf("%v does not match %v", tc.err, kind)
			}
			// Corruption wraps the decrypt failure that exposed it.
			if kind != tc.want && got && !(tc.want == ErrCorruption && kind == ErrDecrypt) {
				t.Fatalf("%v unexpectedly matches %v", tc.err, kind)
			}
		}
	}
}

func TestTimeoutKeepsDeadlineCause(t *testing.T) {
	err := &TimeoutError{Op: "crypto.advance", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost")
	}
	if !strings.Contains(err.Error(), "crypto.advance") {
		t.Fatalf("op missing from %q", err)
	}
}

func TestInvalidArgument(t *testing.T) {
	err := InvalidArgument("room %s: negative ordering %d", "!r", -1)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument")
	}
	if !strings.Contains(err.Error(), "negative ordering -1") {
		t.Fatalf("message = %q", err)
	}
}

func TestSessionKeyValidate(t *testing.T) {
	valid := []SessionKey{
		{Kind: SessionOlm, SessionID: "s"},
		{Kind: SessionInboundGroup, RoomID: "!r", SessionID: "g"},
		{Kind: SessionOutboundGroup, RoomID: "!r", SessionID: "g"},
	}
	for _, k := range valid {
		if err := k.Validate(); err != nil {
			t.Fatalf("%s: %v", k, err)
		}
	}
	invalid := []SessionKey{
		{Kind: SessionOlm},
		{Kind: SessionOlm, RoomID: "!r", SessionID: "s"},
		{Kind: SessionInboundGroup, SessionID: "g"},
		{Kind: "megolm", SessionID: "g"},
	}
	for _, k := range invalid {
		if err := k.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", k, err)
		}
	}
	if got := (SessionKey{Kind: SessionInboundGroup, RoomID: "!r", SessionID: "g"}).String(); got != "inbound_group/!r/g" {
		t.Fatalf("String() = %q", got)
	}
}

func TestMembershipValid(t *testing.T) {
	for _, m := range []Membership{MembershipUnknown, MembershipJoin, MembershipInvite, MembershipLeave} {
		if !m.Valid() {
			t.Fatalf("%q should be valid", m)
		}
	}
	if Membership("ban").Valid() {
		t.Fatalf("ban should be invalid")
	}
	if Inserted.String() != "inserted" || AlreadyPresent.String() != "already_present" || ImportResult(0).String() != "unknown" {
		t.Fatalf("unexpected ImportResult strings")
	}
}
