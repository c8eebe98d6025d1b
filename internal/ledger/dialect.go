package ledger

import (
	"database/sql"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

// Dialect is the database/sql driver name backing a SQLStore.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(value string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(value))); d {
	case DialectDuckDB, DialectSQLite, DialectPostgres:
		return d, nil
	case "sqlite":
		return DialectSQLite, nil
	default:
		return "", errors.Newf(errors.ErrCodeUnsupportedDriver, "unsupported ledger driver %q, expected duckdb, sqlite3 or postgres", value)
	}
}

func (d Dialect) placeholder() squirrel.PlaceholderFormat {
	if d == DialectPostgres {
		return squirrel.Dollar
	}

	return squirrel.Question
}

// readTxOptions are the options of the single transaction a Load runs in. DuckDB and SQLite
// only accept the default options and already give snapshot reads.
func (d Dialect) readTxOptions() *sql.TxOptions {
	if d == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}

	return nil
}

// schemaStatements create the ledger tables. Decimals are stored as text so no backend rounds them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ledger_meta (
		meta_key TEXT PRIMARY KEY,
		meta_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allocation_commits (
		commit_id TEXT NOT NULL,
		allocation_version INTEGER NOT NULL,
		instrument TEXT NOT NULL,
		segment INTEGER NOT NULL,
		record_count INTEGER NOT NULL,
		anomaly_count INTEGER NOT NULL,
		open_lot_count INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		watermark TIMESTAMP,
		watermark_id TEXT NOT NULL,
		next_seq INTEGER NOT NULL,
		committed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (allocation_version, instrument, segment)
	)`,
	`CREATE TABLE IF NOT EXISTS allocation_records (
		allocation_version INTEGER NOT NULL,
		instrument TEXT NOT NULL,
		seq INTEGER NOT NULL,
		segment INTEGER NOT NULL,
		sell_event_id TEXT NOT NULL,
		buy_event_id TEXT,
		allocated_qty TEXT NOT NULL,
		unit_cost_basis TEXT NOT NULL,
		unit_proceeds TEXT NOT NULL,
		gross_realized_pnl TEXT NOT NULL,
		net_realized_pnl TEXT NOT NULL,
		buy_fee_share TEXT NOT NULL,
		sell_fee_share TEXT NOT NULL,
		sell_time TIMESTAMP NOT NULL,
		buy_time TIMESTAMP,
		trigger_tag TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (allocation_version, instrument, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS open_lots (
		allocation_version INTEGER NOT NULL,
		instrument TEXT NOT NULL,
		segment INTEGER NOT NULL,
		buy_event_id TEXT NOT NULL,
		remaining_qty TEXT NOT NULL,
		original_qty TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		fee TEXT NOT NULL,
		fee_remaining TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		PRIMARY KEY (allocation_version, instrument, segment, buy_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		allocation_version INTEGER NOT NULL,
		instrument TEXT NOT NULL,
		segment INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		event_time TIMESTAMP NOT NULL,
		trigger_tag TEXT NOT NULL,
		PRIMARY KEY (allocation_version, instrument, segment, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS performance_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		allocation_version INTEGER NOT NULL,
		pnl_source TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		document TEXT NOT NULL
	)`,
}
