package version

// Version is the current version of the argo-ledger module.
// This value is set at build time using ldflags:
// -ldflags "-X github.com/rxtech-lab/argo-ledger/internal/version.Version=1.2.3"
// The default value "main" indicates a development build.
var Version = "v0.3.0"

// LedgerSchemaVersion is the layout version written into the ledger_meta table.
// Bump the minor version for additive column/table changes and the major version for
// anything an older binary could misread.
const LedgerSchemaVersion = "1.1.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}
