package memory

import (
	"testing"

	"persistcore/testutil"
)

func TestImportsStayBelowCore(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ModuleImportForbidden("persistcore/pkg/domain"),
		"executors depend on the domain layer only")
}
