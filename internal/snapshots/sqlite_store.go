package snapshots

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots and preflight logs in a single SQLite file.
// Timestamps are stored as TimeLayout text so range filters compare lexically.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS net_health_snapshots (
	ts TEXT NOT NULL,
	rpc_ok_rate_1m REAL NOT NULL,
	rpc_error_rate_1m REAL NOT NULL,
	rpc_p95_ms_1m REAL NOT NULL,
	priority_fee_level REAL,
	tx_fail_rate_1m REAL,
	rpc_error_rate_trend_ratio REAL,
	notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_net_health_snapshots_ts ON net_health_snapshots(ts);

CREATE TABLE IF NOT EXISTS preflight_logs (
	run_id TEXT PRIMARY KEY,
	computed_at TEXT NOT NULL,
	payer TEXT,
	payment_tx TEXT,
	rule_set_version TEXT NOT NULL,
	request_json TEXT NOT NULL,
	response_json TEXT NOT NULL,
	risk_score INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_preflight_logs_computed_at ON preflight_logs(computed_at);
`

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps a :memory: database alive on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for pool statistics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO net_health_snapshots (`+pgSnapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		FormatTime(snap.TS),
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

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		ORDER BY ts DESC, rowid DESC
		LIMIT 1
	`)
	snap, err := scanSnapshot(row, scanTextTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "latest snapshot")
	}
	return snap, nil
}

func (s *SQLiteStore) SnapshotInWindow(ctx context.Context, from, to time.Time) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts DESC, rowid DESC
		LIMIT 1
	`, FormatTime(from), FormatTime(to))
	snap, err := scanSnapshot(row, scanTextTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "snapshot in window")
	}
	return snap, nil
}

func (s *SQLiteStore) RecentSnapshots(ctx context.Context, n int) ([]*HealthSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM net_health_snapshots
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*HealthSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, scanTextTimestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) InsertPreflightLog(ctx context.Context, l *PreflightLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preflight_logs (
			run_id, computed_at, payer, payment_tx, rule_set_version,
			request_json, response_json, risk_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.RunID,
		FormatTime(l.ComputedAt),
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

func (s *SQLiteStore) GetPreflightLog(ctx context.Context, runID string) (*PreflightLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, computed_at, payer, payment_tx, rule_set_version,
		       request_json, response_json, risk_score
		FROM preflight_logs
		WHERE run_id = ?
	`, runID)

	l, err := scanPreflightLog(row, scanTextTimestamp)
	if err != nil {
		return nil, wrapRowErr(err, "preflight log")
	}
	return l, nil
}
