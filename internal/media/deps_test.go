package media_test

import (
	"testing"

	"chatstore/testutil"
)

func TestNoDriverImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden, "media reaches S3 and disk through internal/blob")
}
