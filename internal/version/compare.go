package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

// CheckSchemaCompatibility checks whether a binary that writes codeSchema may open a ledger
// whose ledger_meta row says storedSchema.
//
// Compatibility Rules:
//   - If either version is "main" (development build), compatibility check is skipped
//   - Major versions must match exactly
//   - The stored minor version must not be newer than the code's minor version, an older
//     binary cannot know about tables or columns added later
//   - Patch versions can differ
//
// Examples:
//   - Code 1.1.0, Stored 1.1.0 -> OK (exact match)
//   - Code 1.1.0, Stored 1.0.3 -> OK (older additive layout)
//   - Code 1.0.0, Stored 1.1.0 -> ERROR (ledger written by a newer binary)
//   - Code 2.0.0, Stored 1.1.0 -> ERROR (major differs)
func CheckSchemaCompatibility(codeSchema, storedSchema string) error {
	codeSchema = strings.TrimPrefix(codeSchema, "v")
	storedSchema = strings.TrimPrefix(storedSchema, "v")

	if codeSchema == "main" || storedSchema == "main" {
		return nil
	}

	codeSemver, err := semver.NewVersion(codeSchema)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeSchemaIncompatible, err, "invalid code schema version '%s'", codeSchema)
	}

	storedSemver, err := semver.NewVersion(storedSchema)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeSchemaIncompatible, err, "invalid stored schema version '%s'", storedSchema)
	}

	if codeSemver.Major() != storedSemver.Major() {
		return errors.Newf(errors.ErrCodeSchemaIncompatible,
			"major version mismatch: binary writes %d.x.x but ledger is %d.x.x",
			codeSemver.Major(), storedSemver.Major())
	}

	if storedSemver.Minor() > codeSemver.Minor() {
		return errors.Newf(errors.ErrCodeSchemaIncompatible,
			"minor version mismatch: ledger is %d.%d.x but binary only understands up to %d.%d.x",
			storedSemver.Major(), storedSemver.Minor(),
			codeSemver.Major(), codeSemver.Minor())
	}

	return nil
}
