// Command chatstore-admin inspects and maintains a chat client store: schema
// migrations, the sync cursor, pruning and sealed crypto exports.
package main

import (
	"errors"
	"fmt"
	"os"

	"chatstore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatstore-admin:", err)
		exitFunc(exitCode(err))
	}
}

// exitCode maps store failures onto distinct process codes so scripts can
// tell a schema problem from a bad passphrase.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrInvalidArgument):
		return 2
	case errors.Is(err, domain.ErrMigration):
		return 3
	case errors.Is(err, domain.ErrDecrypt), errors.Is(err, domain.ErrEncryptionDisabled):
		return 4
	default:
		return 1
	}
}
