// Package snapshots stores network-health samples and the preflight
// evaluation log.
//
// Both series are append-only. The health worker is the only writer of
// snapshots; the preflight service is the only writer of log entries.
package snapshots

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads that match no row.
var ErrNotFound = errors.New("snapshots: not found")

// TimeLayout is the fixed-width ISO-8601 form used for persisted timestamps.
// Fixed width keeps lexical and chronological order identical in SQLite.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout (UTC, millisecond precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp, accepting RFC 3339 as a fallback.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// HealthSnapshot is one health-worker sample.
type HealthSnapshot struct {
	TS                     time.Time `json:"ts"`
	RPCOkRate1m            float64   `json:"rpc_ok_rate_1m"`
	RPCErrorRate1m         float64   `json:"rpc_error_rate_1m"`
	RPCP95Ms1m             float64   `json:"rpc_p95_ms_1m"`
	PriorityFeeLevel       *float64  `json:"priority_fee_level"`
	TxFailRate1m           *float64  `json:"tx_fail_rate_1m"`
	RPCErrorRateTrendRatio *float64  `json:"rpc_error_rate_trend_ratio"`
	Notes                  *string   `json:"notes"`
}

// Age returns how long ago the snapshot was taken relative to now.
func (s *HealthSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.TS)
}

// PreflightLog is one persisted evaluation.
type PreflightLog struct {
	RunID          string    `json:"run_id"`
	ComputedAt     time.Time `json:"computed_at"`
	Payer          string    `json:"payer"`
	PaymentTx      *string   `json:"payment_tx"`
	RuleSetVersion string    `json:"rule_set_version"`
	RequestJSON    string    `json:"request_json"`
	ResponseJSON   string    `json:"response_json"`
	RiskScore      int       `json:"risk_score"`
}

// Store persists snapshots and preflight logs.
type Store interface {
	InsertSnapshot(ctx context.Context, s *HealthSnapshot) error
	// LatestSnapshot returns the newest snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context) (*HealthSnapshot, error)
	// SnapshotInWindow returns the newest snapshot with from <= ts <= to, or ErrNotFound.
	SnapshotInWindow(ctx context.Context, from, to time.Time) (*HealthSnapshot, error)
	// RecentSnapshots returns up to n snapshots, newest first.
	RecentSnapshots(ctx context.Context, n int) ([]*HealthSnapshot, error)

	InsertPreflightLog(ctx context.Context, l *PreflightLog) error
	// GetPreflightLog returns the entry for runID or ErrNotFound.
	GetPreflightLog(ctx context.Context, runID string) (*PreflightLog, error)
}

func copySnapshot(s *HealthSnapshot) *HealthSnapshot {
	c := *s
	c.PriorityFeeLevel = copyFloat(s.PriorityFeeLevel)
	c.TxFailRate1m = copyFloat(s.TxFailRate1m)
	c.RPCErrorRateTrendRatio = copyFloat(s.RPCErrorRateTrendRatio)
	if s.Notes != nil {
		n := *s.Notes
		c.Notes = &n
	}
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// truncate drops sub-millisecond precision so every backend round-trips
// timestamps identically.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
