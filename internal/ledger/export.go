package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"go.uber.org/zap"
)

// ExportResult holds the parquet files written for one version.
type ExportResult struct {
	RecordsPath   string
	OpenLotsPath  string
	AnomaliesPath string
}

// Export writes the records, head open lots and anomalies of one version to parquet files in dir.
// Only the DuckDB dialect can export.
func (s *SQLStore) Export(ctx context.Context, dir string, version int) (ExportResult, error) {
	if s.dialect != DialectDuckDB {
		return ExportResult{}, errors.Newf(errors.ErrCodeUnsupportedFileFormat, "parquet export needs the duckdb ledger, got %s", s.dialect)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return ExportResult{}, errors.Wrap(errors.ErrCodeExportFailed, "failed to create export directory", err)
	}

	result := ExportResult{
		RecordsPath:   filepath.Join(dir, fmt.Sprintf("allocation_records_v%d.parquet", version)),
		OpenLotsPath:  filepath.Join(dir, fmt.Sprintf("open_lots_v%d.parquet", version)),
		AnomaliesPath: filepath.Join(dir, fmt.Sprintf("anomalies_v%d.parquet", version)),
	}

	// COPY takes no bind parameters, version is an int and paths are quoted.
	statements := []string{
		fmt.Sprintf(`COPY (SELECT * FROM allocation_records WHERE allocation_version = %d ORDER BY instrument, seq)
			TO '%s' (FORMAT PARQUET)`, version, quotePath(result.RecordsPath)),
		fmt.Sprintf(`COPY (
				SELECT o.* FROM open_lots o
				JOIN (
					SELECT instrument, MAX(segment) AS segment FROM allocation_commits
					WHERE allocation_version = %d GROUP BY instrument
				) h ON o.instrument = h.instrument AND o.segment = h.segment
				WHERE o.allocation_version = %d
				ORDER BY o.instrument, o.opened_at, o.buy_event_id
			) TO '%s' (FORMAT PARQUET)`, version, version, quotePath(result.OpenLotsPath)),
		fmt.Sprintf(`COPY (SELECT * FROM anomalies WHERE allocation_version = %d ORDER BY instrument, segment, ordinal)
			TO '%s' (FORMAT PARQUET)`, version, quotePath(result.AnomaliesPath)),
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return ExportResult{}, errors.Wrapf(errors.ErrCodeExportFailed, err, "failed to export version %d", version)
		}
	}

	s.logger.Info("Exported allocation version",
		zap.Int("allocation_version", version),
		zap.String("records", result.RecordsPath),
		zap.String("open_lots", result.OpenLotsPath),
		zap.String("anomalies", result.AnomaliesPath),
	)

	return result, nil
}

func quotePath(path string) string {
	return strings.ReplaceAll(path, "'", "''")
}
