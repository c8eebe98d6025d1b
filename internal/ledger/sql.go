package ledger

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/rxtech-lab/argo-ledger/internal/version"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	insertBatchSize  = 50
	schemaVersionKey = "schema_version"
)

var (
	commitColumns = []string{
		"commit_id", "allocation_version", "instrument", "segment", "record_count", "anomaly_count",
		"open_lot_count", "fingerprint", "watermark", "watermark_id", "next_seq", "committed_at",
	}
	recordColumns = []string{
		"allocation_version", "instrument", "seq", "segment", "sell_event_id", "buy_event_id",
		"allocated_qty", "unit_cost_basis", "unit_proceeds", "gross_realized_pnl", "net_realized_pnl",
		"buy_fee_share", "sell_fee_share", "sell_time", "buy_time", "trigger_tag", "created_at",
	}
	openLotColumns = []string{
		"allocation_version", "instrument", "segment", "buy_event_id", "remaining_qty", "original_qty",
		"unit_cost", "fee", "fee_remaining", "opened_at",
	}
	anomalyColumns = []string{
		"allocation_version", "instrument", "segment", "ordinal", "event_id", "kind", "detail",
		"event_time", "trigger_tag",
	}
)

// SQLStore is a Ledger on database/sql. Every commit is one transaction and every Load reads
// inside one transaction, so readers never observe half of a commit.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *logger.Logger
	sq      squirrel.StatementBuilderType
	opts    options
	// writeMu serializes commits. SQLite and DuckDB allow one writer at a time.
	writeMu sync.Mutex
}

// Open connects to the ledger database and creates its tables.
func Open(ctx context.Context, dialect Dialect, dsn string, log *logger.Logger, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreNotInitialized, err, "failed to open %s ledger", dialect)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := NewSQLStore(db, dialect, log, opts...)
	if err := store.Initialize(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return store, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect, log *logger.Logger, opts ...Option) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  log,
		sq:      squirrel.StatementBuilder.PlaceholderFormat(dialect.placeholder()),
		opts:    buildOptions(opts),
	}
}

// Initialize creates the tables and checks that the stored schema version is readable by this build.
func (s *SQLStore) Initialize(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return errors.Wrap(errors.ErrCodeStoreNotInitialized, "failed to create ledger tables", err)
		}
	}

	var stored string

	query, args, err := s.sq.Select("meta_value").From("ledger_meta").Where(squirrel.Eq{"meta_key": schemaVersionKey}).ToSql()
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to build schema version query", err)
	}

	err = s.db.QueryRowContext(ctx, query, args...).Scan(&stored)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.sq.Insert("ledger_meta").
			Columns("meta_key", "meta_value").
			Values(schemaVersionKey, version.LedgerSchemaVersion).
			RunWith(s.db).
			ExecContext(ctx)
		if err != nil {
			return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to write ledger schema version", err)
		}

		return nil
	case err != nil:
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to read ledger schema version", err)
	}

	return version.CheckSchemaCompatibility(version.LedgerSchemaVersion, stored)
}

// DB exposes the connection for exports and tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Commit(ctx context.Context, commit Commit) (CommitResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to begin commit transaction", err)
	}

	result, err := s.commitTx(ctx, tx, commit)
	if err != nil {
		tx.Rollback()

		return CommitResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to commit allocation", err)
	}

	if result.Unchanged {
		s.logger.Debug("Allocation already committed",
			zap.String("instrument", commit.Instrument),
			zap.Int("allocation_version", commit.Version),
			zap.Int("segment", result.Segment),
		)
	} else {
		s.logger.Info("Committed allocation",
			zap.String("instrument", commit.Instrument),
			zap.Int("allocation_version", commit.Version),
			zap.Int("segment", result.Segment),
			zap.Int("records", len(commit.Records)),
			zap.Int("anomalies", len(commit.Anomalies)),
			zap.Int("open_lots", len(commit.OpenLots)),
			zap.String("commit_id", result.CommitID),
		)
	}

	return result, nil
}

func (s *SQLStore) commitTx(ctx context.Context, tx *sql.Tx, commit Commit) (CommitResult, error) {
	head, err := s.head(ctx, tx, commit.Version, commit.Instrument)
	if err != nil {
		return CommitResult{}, err
	}

	plan, err := planCommit(commit, head, func() ([]types.AllocationRecord, []types.Anomaly, error) {
		records, err := s.records(ctx, tx, Query{Version: commit.Version, Instruments: []string{commit.Instrument}})
		if err != nil {
			return nil, nil, err
		}

		anomalies, err := s.anomalies(ctx, tx, Query{Version: commit.Version, Instruments: []string{commit.Instrument}})
		if err != nil {
			return nil, nil, err
		}

		return records, anomalies, nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	if plan.unchanged {
		current := head.Unwrap()

		return CommitResult{CommitID: current.CommitID, Segment: current.Segment, Fingerprint: current.Fingerprint, Unchanged: true, CommittedAt: current.CommittedAt}, nil
	}

	committedAt := s.opts.clock().UTC()
	commitID := s.opts.commitIDs()

	_, err = s.sq.Insert("allocation_commits").
		Columns(commitColumns...).
		Values(commitID, commit.Version, commit.Instrument, plan.segment, len(commit.Records), len(commit.Anomalies),
			len(commit.OpenLots), plan.fingerprint, nullTime(commit.Watermark), commit.WatermarkID, plan.nextSeq, committedAt).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return CommitResult{}, errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to insert allocation commit", err)
	}

	recordRows := make([][]interface{}, 0, len(commit.Records))
	for _, r := range commit.Records {
		recordRows = append(recordRows, []interface{}{
			r.AllocationVersion, r.Instrument, r.Seq, plan.segment, r.SellEventID, nullString(r.BuyEventID),
			r.AllocatedQty.String(), r.UnitCostBasis.String(), r.UnitProceeds.String(), r.GrossRealizedPnL.String(),
			r.NetRealizedPnL.String(), r.BuyFeeShare.String(), r.SellFeeShare.String(), r.SellTime.UTC(),
			nullTime(r.BuyTime), r.Trigger, committedAt,
		})
	}

	if err := s.insertRows(ctx, tx, "allocation_records", recordColumns, recordRows); err != nil {
		return CommitResult{}, err
	}

	lotRows := make([][]interface{}, 0, len(commit.OpenLots))
	for _, l := range commit.OpenLots {
		lotRows = append(lotRows, []interface{}{
			l.AllocationVersion, l.Instrument, plan.segment, l.BuyEventID, l.RemainingQty.String(), l.OriginalQty.String(),
			l.UnitCost.String(), l.Fee.String(), l.FeeRemaining.String(), l.OpenedAt.UTC(),
		})
	}

	if err := s.insertRows(ctx, tx, "open_lots", openLotColumns, lotRows); err != nil {
		return CommitResult{}, err
	}

	anomalyRows := make([][]interface{}, 0, len(commit.Anomalies))
	for i, a := range commit.Anomalies {
		anomalyRows = append(anomalyRows, []interface{}{
			a.AllocationVersion, a.Instrument, plan.segment, i, a.EventID, string(a.Kind), a.Detail, a.EventTime.UTC(), a.Trigger,
		})
	}

	if err := s.insertRows(ctx, tx, "anomalies", anomalyColumns, anomalyRows); err != nil {
		return CommitResult{}, err
	}

	return CommitResult{CommitID: commitID, Segment: plan.segment, Fingerprint: plan.fingerprint, CommittedAt: committedAt}, nil
}

func (s *SQLStore) insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]interface{}) error {
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))

		insert := s.sq.Insert(table).Columns(columns...)
		for _, row := range rows[start:end] {
			insert = insert.Values(row...)
		}

		if _, err := insert.RunWith(tx).ExecContext(ctx); err != nil {
			return errors.Wrapf(errors.ErrCodeLedgerWriteFailed, err, "failed to insert into %s", table)
		}
	}

	return nil
}

func (s *SQLStore) Load(ctx context.Context, query Query) (Dataset, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.readTxOptions())
	if err != nil {
		return Dataset{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to begin read transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only transaction

	dataset := Dataset{Version: query.Version}

	if dataset.Heads, err = s.heads(ctx, tx, query); err != nil {
		return Dataset{}, err
	}

	if dataset.Records, err = s.records(ctx, tx, query); err != nil {
		return Dataset{}, err
	}

	if dataset.Anomalies, err = s.anomalies(ctx, tx, query); err != nil {
		return Dataset{}, err
	}

	for _, head := range dataset.Heads {
		lots, err := s.openLots(ctx, tx, head)
		if err != nil {
			return Dataset{}, err
		}

		dataset.OpenLots = append(dataset.OpenLots, lots...)
	}

	sortOpenLots(dataset.OpenLots)

	return dataset, nil
}

func (s *SQLStore) Head(ctx context.Context, version int, instrument string) (optional.Option[CommitInfo], error) {
	return s.head(ctx, s.db, version, instrument)
}

func (s *SQLStore) Versions(ctx context.Context, instrument string) ([]CommitInfo, error) {
	selectQuery := s.sq.Select(commitColumns...).From("allocation_commits")
	if instrument != "" {
		selectQuery = selectQuery.Where(squirrel.Eq{"instrument": instrument})
	}

	return s.queryCommits(ctx, s.db, selectQuery.OrderBy("allocation_version", "instrument", "segment"))
}

func (s *SQLStore) RecordSnapshot(ctx context.Context, snapshot types.PerformanceSnapshot) error {
	if snapshot.ID == "" {
		return errors.New(errors.ErrCodeMissingParameter, "snapshot id is required")
	}

	document, err := types.MarshalSnapshot(snapshot)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to encode snapshot", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.sq.Insert("performance_snapshots").
		Columns("snapshot_id", "allocation_version", "pnl_source", "generated_at", "document").
		Values(snapshot.ID, snapshot.AllocationVersion, string(snapshot.PnLSource), snapshot.GeneratedAt.UTC(), string(document)).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLedgerWriteFailed, err, "failed to record snapshot %s", snapshot.ID)
	}

	return nil
}

func (s *SQLStore) Snapshot(ctx context.Context, id string) (types.PerformanceSnapshot, error) {
	query, args, err := s.sq.Select("document").From("performance_snapshots").Where(squirrel.Eq{"snapshot_id": id}).ToSql()
	if err != nil {
		return types.PerformanceSnapshot{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build snapshot query", err)
	}

	var document string

	err = s.db.QueryRowContext(ctx, query, args...).Scan(&document)
	if err == sql.ErrNoRows {
		return types.PerformanceSnapshot{}, errors.Newf(errors.ErrCodeDataNotFound, "snapshot %s not found", id)
	}

	if err != nil {
		return types.PerformanceSnapshot{}, errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to read snapshot %s", id)
	}

	snapshot, err := types.UnmarshalSnapshot([]byte(document))
	if err != nil {
		return types.PerformanceSnapshot{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to decode snapshot", err)
	}

	return snapshot, nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to close ledger", err)
	}

	return nil
}

// queryRunner is satisfied by *sql.DB and *sql.Tx.
type queryRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) query(ctx context.Context, runner queryRunner, selectQuery squirrel.SelectBuilder) (*sql.Rows, error) {
	query, args, err := selectQuery.ToSql()
	if err != nil {
		return nil, err
	}

	return runner.QueryContext(ctx, query, args...)
}

func (s *SQLStore) head(ctx context.Context, runner queryRunner, version int, instrument string) (optional.Option[CommitInfo], error) {
	commits, err := s.queryCommits(ctx, runner, s.sq.Select(commitColumns...).
		From("allocation_commits").
		Where(squirrel.Eq{"allocation_version": version, "instrument": instrument}).
		OrderBy("segment DESC").
		Limit(1))
	if err != nil {
		return optional.None[CommitInfo](), err
	}

	if len(commits) == 0 {
		return optional.None[CommitInfo](), nil
	}

	return optional.Some(commits[0]), nil
}

// heads returns the latest commit of every instrument of the version in scope.
func (s *SQLStore) heads(ctx context.Context, runner queryRunner, query Query) ([]CommitInfo, error) {
	selectQuery := s.sq.Select(commitColumns...).
		From("allocation_commits").
		Where(squirrel.Eq{"allocation_version": query.Version}).
		OrderBy("instrument", "segment")
	if len(query.Instruments) > 0 {
		selectQuery = selectQuery.Where(squirrel.Eq{"instrument": query.Instruments})
	}

	commits, err := s.queryCommits(ctx, runner, selectQuery)
	if err != nil {
		return nil, err
	}

	heads := []CommitInfo{}

	for _, c := range commits {
		if n := len(heads); n > 0 && heads[n-1].Instrument == c.Instrument {
			heads[n-1] = c

			continue
		}

		heads = append(heads, c)
	}

	return heads, nil
}

func (s *SQLStore) queryCommits(ctx context.Context, runner queryRunner, selectQuery squirrel.SelectBuilder) ([]CommitInfo, error) {
	rows, err := s.query(ctx, runner, selectQuery)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query allocation commits", err)
	}
	defer rows.Close()

	commits := []CommitInfo{}

	for rows.Next() {
		var (
			c         CommitInfo
			watermark sql.NullTime
		)

		err := rows.Scan(&c.CommitID, &c.AllocationVersion, &c.Instrument, &c.Segment, &c.RecordCount, &c.AnomalyCount,
			&c.OpenLotCount, &c.Fingerprint, &watermark, &c.WatermarkID, &c.NextSeq, &c.CommittedAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan allocation commit", err)
		}

		if watermark.Valid {
			c.Watermark = watermark.Time.UTC()
		}

		c.CommittedAt = c.CommittedAt.UTC()
		commits = append(commits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate allocation commits", err)
	}

	return commits, nil
}

func (s *SQLStore) records(ctx context.Context, runner queryRunner, query Query) ([]types.AllocationRecord, error) {
	selectQuery := s.sq.Select(recordColumns...).
		From("allocation_records").
		Where(squirrel.Eq{"allocation_version": query.Version}).
		OrderBy("instrument", "seq")
	if len(query.Instruments) > 0 {
		selectQuery = selectQuery.Where(squirrel.Eq{"instrument": query.Instruments})
	}

	if !query.Window.From.IsZero() {
		selectQuery = selectQuery.Where(squirrel.GtOrEq{"sell_time": query.Window.From.UTC()})
	}

	if !query.Window.To.IsZero() {
		selectQuery = selectQuery.Where(squirrel.Lt{"sell_time": query.Window.To.UTC()})
	}

	rows, err := s.query(ctx, runner, selectQuery)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query allocation records", err)
	}
	defer rows.Close()

	records := []types.AllocationRecord{}

	for rows.Next() {
		var (
			r         types.AllocationRecord
			segment   int
			buyID     sql.NullString
			buyTime   sql.NullTime
			decimals  [7]decimal.Decimal
			sellTime  time.Time
			createdAt time.Time
		)

		err := rows.Scan(&r.AllocationVersion, &r.Instrument, &r.Seq, &segment, &r.SellEventID, &buyID,
			&decimals[0], &decimals[1], &decimals[2], &decimals[3], &decimals[4], &decimals[5], &decimals[6],
			&sellTime, &buyTime, &r.Trigger, &createdAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan allocation record", err)
		}

		r.BuyEventID = optional.None[string]()
		if buyID.Valid {
			r.BuyEventID = optional.Some(buyID.String)
		}

		if buyTime.Valid {
			r.BuyTime = buyTime.Time.UTC()
		}

		r.AllocatedQty, r.UnitCostBasis, r.UnitProceeds = decimals[0], decimals[1], decimals[2]
		r.GrossRealizedPnL, r.NetRealizedPnL = decimals[3], decimals[4]
		r.BuyFeeShare, r.SellFeeShare = decimals[5], decimals[6]
		r.SellTime = sellTime.UTC()
		r.CreatedAt = createdAt.UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate allocation records", err)
	}

	return records, nil
}

func (s *SQLStore) anomalies(ctx context.Context, runner queryRunner, query Query) ([]types.Anomaly, error) {
	selectQuery := s.sq.Select(anomalyColumns...).
		From("anomalies").
		Where(squirrel.Eq{"allocation_version": query.Version}).
		OrderBy("instrument", "segment", "ordinal")
	if len(query.Instruments) > 0 {
		selectQuery = selectQuery.Where(squirrel.Eq{"instrument": query.Instruments})
	}

	if !query.Window.From.IsZero() {
		selectQuery = selectQuery.Where(squirrel.GtOrEq{"event_time": query.Window.From.UTC()})
	}

	if !query.Window.To.IsZero() {
		selectQuery = selectQuery.Where(squirrel.Lt{"event_time": query.Window.To.UTC()})
	}

	rows, err := s.query(ctx, runner, selectQuery)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query anomalies", err)
	}
	defer rows.Close()

	anomalies := []types.Anomaly{}

	for rows.Next() {
		var (
			a                types.Anomaly
			segment, ordinal int
			kind             string
		)

		err := rows.Scan(&a.AllocationVersion, &a.Instrument, &segment, &ordinal, &a.EventID, &kind, &a.Detail, &a.EventTime, &a.Trigger)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan anomaly", err)
		}

		a.Kind = types.AnomalyKind(kind)
		a.EventTime = a.EventTime.UTC()
		anomalies = append(anomalies, a)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate anomalies", err)
	}

	return anomalies, nil
}

func (s *SQLStore) openLots(ctx context.Context, runner queryRunner, head CommitInfo) ([]types.OpenLot, error) {
	rows, err := s.query(ctx, runner, s.sq.Select(openLotColumns...).
		From("open_lots").
		Where(squirrel.Eq{"allocation_version": head.AllocationVersion, "instrument": head.Instrument, "segment": head.Segment}).
		OrderBy("opened_at", "buy_event_id"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query open lots", err)
	}
	defer rows.Close()

	lots := []types.OpenLot{}

	for rows.Next() {
		var (
			l       types.OpenLot
			segment int
		)

		err := rows.Scan(&l.AllocationVersion, &l.Instrument, &segment, &l.BuyEventID, &l.RemainingQty, &l.OriginalQty,
			&l.UnitCost, &l.Fee, &l.FeeRemaining, &l.OpenedAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan open lot", err)
		}

		l.OpenedAt = l.OpenedAt.UTC()
		lots = append(lots, l)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate open lots", err)
	}

	return lots, nil
}

// nullString and nullTime map absent values to NULL.
func nullString(o optional.Option[string]) any {
	if o.IsNone() {
		return nil
	}

	return o.Unwrap()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}
