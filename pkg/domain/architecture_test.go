package domain

import (
	"testing"

	"certcore/testutil"
)

// The domain layer is shared by every package and must not depend on any
// implementation package.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must stay implementation free")
}
