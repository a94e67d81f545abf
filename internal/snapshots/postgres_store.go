package snapshots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists snapshots and preflight logs in PostgreSQL.
// The schema is owned by the goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSnapshotColumns = `ts, rpc_ok_rate_1m, rpc_error_rate_1m, rpc_p95_ms_1m,
	priority_fee_level, tx_fail_rate_1m, rpc_error_rate_trend_ratio, notes`

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO net_health_snapshots (`+pgSnapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		truncate(snap.TS),
		snap.RPCOkRate1m,
		snap.RPCErrorRate1m,
		snap.RPCP95Ms1m,
		nullFloat(snap.PriorityFeeLevel),
		nullFloat(snap.TxFailRate1m),
		nullFloat(snap.RPCErrorRateTrendRatio),
		nullString(snap.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		ORDER BY ts DESC
		LIMIT 1
	`)
	snap, err := scanSnapshot(row, scanTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "latest snapshot")
	}
	return snap, nil
}

func (s *PostgresStore) SnapshotInWindow(ctx context.Context, from, to time.Time) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT 1
	`, truncate(from), truncate(to))
	snap, err := scanSnapshot(row, scanTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "snapshot in window")
	}
	return snap, nil
}

func (s *PostgresStore) RecentSnapshots(ctx context.Context, n int) ([]*HealthSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		ORDER BY ts DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*HealthSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, scanTimestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertPreflightLog(ctx context.Context, l *PreflightLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preflight_logs (
			run_id, computed_at, payer, payment_tx, rule_set_version,
			request_json, response_json, risk_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		l.RunID,
		truncate(l.ComputedAt),
		l.Payer,
		nullString(l.PaymentTx),
		l.RuleSetVersion,
		l.RequestJSON,
		l.ResponseJSON,
		l.RiskScore,
	)
	if err != nil {
		return fmt.Errorf("failed to insert preflight log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPreflightLog(ctx context.Context, runID string) (*PreflightLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, computed_at, payer, payment_tx, rule_set_version,
		       request_json, response_json, risk_score
		FROM preflight_logs
		WHERE run_id = $1
	`, runID)

	l, err := scanPreflightLog(row, scanTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "preflight log")
	}
	return l, nil
}

// -----------------------------------------------------------------------------
// Shared scanning helpers (also used by SQLiteStore)
// -----------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

// timestampScanner returns a scan destination and a function that yields the
// decoded time once Scan has run. Postgres scans time.Time directly; SQLite
// stores TEXT.
type timestampScanner func() (dest any, get func() (time.Time, error))

func scanTimestamp() (any, func() (time.Time, error)) {
	var t time.Time
	return &t, func() (time.Time, error) { return t.UTC(), nil }
}

func scanTextTimestamp() (any, func() (time.Time, error)) {
	var s string
	return &s, func() (time.Time, error) { return ParseTime(s) }
}

func scanSnapshot(row rowScanner, ts timestampScanner) (*HealthSnapshot, error) {
	var (
		snap               HealthSnapshot
		fee, txFail, trend sql.NullFloat64
		notes              sql.NullString
	)
	tsDest, tsGet := ts()
	if err := row.Scan(tsDest, &snap.RPCOkRate1m, &snap.RPCErrorRate1m, &snap.RPCP95Ms1m,
		&fee, &txFail, &trend, &notes); err != nil {
		return nil, err
	}
	t, err := tsGet()
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot timestamp: %w", err)
	}
	snap.TS = t
	snap.PriorityFeeLevel = floatPtr(fee)
	snap.TxFailRate1m = floatPtr(txFail)
	snap.RPCErrorRateTrendRatio = floatPtr(trend)
	if notes.Valid {
		n := notes.String
		snap.Notes = &n
	}
	return &snap, nil
}

func scanPreflightLog(row rowScanner, ts timestampScanner) (*PreflightLog, error) {
	var (
		l            PreflightLog
		payer, payTx sql.NullString
	)
	tsDest, tsGet := ts()
	if err := row.Scan(&l.RunID, tsDest, &payer, &payTx, &l.RuleSetVersion,
		&l.RequestJSON, &l.ResponseJSON, &l.RiskScore); err != nil {
		return nil, err
	}
	t, err := tsGet()
	if err != nil {
		return nil, fmt.Errorf("invalid computed_at: %w", err)
	}
	l.ComputedAt = t
	l.Payer = payer.String
	if payTx.Valid {
		p := payTx.String
		l.PaymentTx = &p
	}
	return &l, nil
}

func wrapRowErr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
