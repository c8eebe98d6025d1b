package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// decimalPattern matches the plain and exponent decimal notations the event reader accepts. It
// excludes nan and inf, which DuckDB would otherwise read as doubles.
const decimalPattern = `^[+-]?([0-9]+(\.[0-9]*)?|\.[0-9]+)([eE][+-]?[0-9]+)?$`

var eventColumns = []string{
	"event_id", "instrument", "side", "quantity", "price", "fee", "executed_at", "status", "trigger_tag", "legacy_pnl",
}

// DuckDBStore keeps trade events in DuckDB. Numbers are stored as text exactly as supplied.
type DuckDBStore struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewDuckDBStore opens the event database at dsn. An empty dsn or ":memory:" keeps it in memory.
func NewDuckDBStore(dsn string, log *logger.Logger) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to open event store", err)
	}

	return &DuckDBStore{
		db:     db,
		logger: log,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Initialize creates the events table.
func (s *DuckDBStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trade_events (
			event_id TEXT NOT NULL,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			executed_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			trigger_tag TEXT NOT NULL,
			legacy_pnl TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to create trade_events table", err)
	}

	return nil
}

// Append inserts events in one transaction.
func (s *DuckDBStore) Append(ctx context.Context, events ...types.TradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to begin transaction", err)
	}

	for _, e := range events {
		var legacy any
		if e.LegacyPnL.IsSome() {
			legacy = e.LegacyPnL.Unwrap().String()
		}

		_, err := s.sq.Insert("trade_events").
			Columns(eventColumns...).
			Values(e.ID, e.Instrument, string(e.Side), e.Quantity.String(), e.Price.String(), e.Fee.String(),
				e.ExecutedAt.UTC(), string(e.Status), e.Trigger, legacy).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			tx.Rollback()

			return errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to insert event %s", e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to commit events", err)
	}

	return nil
}

// Import loads events from a CSV or parquet file with the columns event_id, instrument, side,
// quantity, price, fee, executed_at, status, trigger and legacy_pnl. A file with a quantity, price,
// fee or legacy_pnl that is not a finite decimal is rejected as a whole.
func (s *DuckDBStore) Import(ctx context.Context, path string) (int, error) {
	source, err := fileSource(path)
	if err != nil {
		return 0, err
	}

	staged := fmt.Sprintf(`
		SELECT
			CAST(event_id AS VARCHAR) AS event_id,
			CAST(instrument AS VARCHAR) AS instrument,
			UPPER(CAST(side AS VARCHAR)) AS side,
			TRIM(CAST(quantity AS VARCHAR)) AS quantity,
			TRIM(CAST(price AS VARCHAR)) AS price,
			COALESCE(NULLIF(TRIM(CAST(fee AS VARCHAR)), ''), '0') AS fee,
			CAST(executed_at AS TIMESTAMP) AS executed_at,
			UPPER(CAST(status AS VARCHAR)) AS status,
			COALESCE(CAST("trigger" AS VARCHAR), '') AS trigger_tag,
			NULLIF(TRIM(CAST(legacy_pnl AS VARCHAR)), '') AS legacy_pnl
		FROM %s`, source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to begin import transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rolled back unless committed

	var invalid int

	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM (%s)
		WHERE NOT COALESCE(regexp_full_match(quantity, ?), false)
			OR NOT COALESCE(regexp_full_match(price, ?), false)
			OR NOT COALESCE(regexp_full_match(fee, ?), false)
			OR (legacy_pnl IS NOT NULL AND NOT regexp_full_match(legacy_pnl, ?))
	`, staged), decimalPattern, decimalPattern, decimalPattern, decimalPattern).Scan(&invalid)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to read %s", path)
	}

	if invalid > 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidEvent, "%s has %d rows with non-numeric or non-finite amounts", path, invalid)
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO trade_events (%s) %s`, strings.Join(eventColumns, ", "), staged))
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to import %s", path)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to commit import", err)
	}

	imported, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to count imported events", err)
	}

	s.logger.Info("Imported trade events", zap.String("path", path), zap.Int64("events", imported))

	return int(imported), nil
}

func fileSource(path string) (string, error) {
	quoted := strings.ReplaceAll(path, "'", "''")

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return fmt.Sprintf("read_csv('%s', header = true, all_varchar = true)", quoted), nil
	case ".parquet":
		return fmt.Sprintf("read_parquet('%s')", quoted), nil
	default:
		return "", errors.Newf(errors.ErrCodeUnsupportedFileFormat, "unsupported event file %s, expected .csv or .parquet", path)
	}
}

func (s *DuckDBStore) Instruments(ctx context.Context) ([]string, error) {
	query, args, err := s.sq.Select("DISTINCT instrument").From("trade_events").OrderBy("instrument").ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to build instruments query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to query instruments", err)
	}
	defer rows.Close()

	instruments := []string{}

	for rows.Next() {
		var instrument string
		if err := rows.Scan(&instrument); err != nil {
			return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to scan instrument", err)
		}

		instruments = append(instruments, instrument)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to iterate instruments", err)
	}

	return instruments, nil
}

func (s *DuckDBStore) Events(ctx context.Context, instrument string) ([]types.TradeEvent, error) {
	query, args, err := s.sq.Select(eventColumns...).
		From("trade_events").
		Where(squirrel.Eq{"instrument": instrument}).
		OrderBy("executed_at", "event_id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to build events query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeEventStoreFailed, err, "failed to query events of %s", instrument)
	}
	defer rows.Close()

	events := []types.TradeEvent{}

	for rows.Next() {
		var (
			e                    types.TradeEvent
			side, status         string
			quantity, price, fee string
			executedAt           time.Time
			legacy               sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.Instrument, &side, &quantity, &price, &fee, &executedAt, &status, &e.Trigger, &legacy); err != nil {
			return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to scan event", err)
		}

		e.Side = types.Side(side)
		e.Status = types.EventStatus(status)
		e.ExecutedAt = executedAt.UTC()

		var unreadable []string

		e.Quantity = readAmount(quantity, "quantity", &unreadable)
		e.Price = readAmount(price, "price", &unreadable)
		e.Fee = readAmount(fee, "fee", &unreadable)
		e.LegacyPnL = optional.None[decimal.Decimal]()

		if legacy.Valid {
			if pnl, err := decimal.NewFromString(legacy.String); err == nil {
				e.LegacyPnL = optional.Some(pnl)
			} else {
				unreadable = append(unreadable, fmt.Sprintf("legacy_pnl %q", legacy.String))
			}
		}

		if len(unreadable) > 0 {
			e.Unreadable = "unreadable " + strings.Join(unreadable, ", ")
			s.logger.Warn("Event has unreadable amounts",
				zap.String("event_id", e.ID),
				zap.String("instrument", e.Instrument),
				zap.Strings("fields", unreadable),
			)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to iterate events", err)
	}

	return events, nil
}

// readAmount parses a stored amount. An unreadable value reads as zero and is noted in unreadable.
func readAmount(value, field string, unreadable *[]string) decimal.Decimal {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		*unreadable = append(*unreadable, fmt.Sprintf("%s %q", field, value))

		return decimal.Zero
	}

	return amount
}

func (s *DuckDBStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeEventStoreFailed, "failed to close event store", err)
	}

	return nil
}
