package cryptostore_test

import (
	"testing"

	"chatstore/testutil"
)

func TestNoDriverImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden, "cryptostore talks to SQL through sqldb")
}
