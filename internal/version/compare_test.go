package version

import (
	"testing"

	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSchemaCompatibility(t *testing.T) {
	tests := []struct {
		name          string
		codeSchema    string
		storedSchema  string
		expectError   bool
		errorContains string
	}{
		{
			name:         "exact match",
			codeSchema:   "1.1.0",
			storedSchema: "1.1.0",
			expectError:  false,
		},
		{
			name:         "stored patch higher",
			codeSchema:   "1.1.0",
			storedSchema: "1.1.4",
			expectError:  false,
		},
		{
			name:         "stored minor older",
			codeSchema:   "1.1.0",
			storedSchema: "1.0.0",
			expectError:  false,
		},
		{
			name:         "v prefix is ignored",
			codeSchema:   "v1.1.0",
			storedSchema: "v1.1.0",
			expectError:  false,
		},
		{
			name:          "stored minor newer",
			codeSchema:    "1.0.0",
			storedSchema:  "1.1.0",
			expectError:   true,
			errorContains: "minor version mismatch",
		},
		{
			name:          "major differs",
			codeSchema:    "2.0.0",
			storedSchema:  "1.1.0",
			expectError:   true,
			errorContains: "major version mismatch",
		},
		{
			name:         "code is main",
			codeSchema:   "main",
			storedSchema: "3.0.0",
			expectError:  false,
		},
		{
			name:          "invalid stored version",
			codeSchema:    "1.1.0",
			storedSchema:  "not-a-version",
			expectError:   true,
			errorContains: "invalid stored schema version",
		},
		{
			name:          "invalid code version",
			codeSchema:    "x.y",
			storedSchema:  "1.0.0",
			expectError:   true,
			errorContains: "invalid code schema version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSchemaCompatibility(tt.codeSchema, tt.storedSchema)
			if !tt.expectError {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
			assert.True(t, errors.HasCode(err, errors.ErrCodeSchemaIncompatible))
		})
	}
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
	assert.NoError(t, CheckSchemaCompatibility(LedgerSchemaVersion, LedgerSchemaVersion))
}
