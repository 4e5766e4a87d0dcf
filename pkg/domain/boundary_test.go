package domain

import (
	"testing"

	"labqueue/testutil"
)

func TestDomainStaysFreeOfInternalAndStorageImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.InternalImportForbidden, testutil.StorageImportForbidden),
		"domain types are shared by every backend")
}
