// Package preflight composes parsing, simulation, snapshot reads and rule
// evaluation into one risk assessment per transaction.
package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/preflight/internal/logging"
	"github.com/mbd888/preflight/internal/metrics"
	"github.com/mbd888/preflight/internal/rules"
	"github.com/mbd888/preflight/internal/simulate"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/traces"
	"github.com/mbd888/preflight/internal/txparse"
)

// baselineWindow is how many recent snapshots feed the fee baseline.
const baselineWindow = 10

// ErrNoSnapshot means the health worker has never written a snapshot.
var ErrNoSnapshot = errors.New("preflight: no network health snapshot available")

// ErrRunNotFound means no evaluation was logged under the run id.
var ErrRunNotFound = errors.New("preflight: run not found")

// InvalidTxError is the only error Evaluate returns.
type InvalidTxError struct {
	RequestID string
	Err       error
}

func (e *InvalidTxError) Error() string { return e.Err.Error() }
func (e *InvalidTxError) Unwrap() error { return e.Err }

// Simulator predicts the fee payer's post-execution balance.
type Simulator interface {
	Simulate(ctx context.Context, txBase64, feePayer string) simulate.Result
}

// Result is the evaluation response body.
type Result struct {
	RequestID      string           `json:"request_id"`
	ComputedAt     string           `json:"computed_at"`
	RuleSetVersion string           `json:"rule_set_version"`
	RiskScore      int              `json:"risk_score"`
	Partial        bool             `json:"partial"`
	Flags          []rules.Flag     `json:"flags"`
	Evidence       []rules.Evidence `json:"evidence"`
}

// Status is the public view of the latest health snapshot.
type Status struct {
	TS               string   `json:"ts"`
	RPCOkRate1m      float64  `json:"rpc_ok_rate_1m"`
	RPCErrorRate1m   float64  `json:"rpc_error_rate_1m"`
	RPCP95Ms1m       float64  `json:"rpc_p95_ms_1m"`
	PriorityFeeLevel *float64 `json:"priority_fee_level"`
}

// Service runs preflight evaluations.
type Service struct {
	simulator  Simulator
	store      snapshots.Store
	engine     *rules.Engine
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a Service. staleAfter is the snapshot age beyond which
// snapshot-backed rules skip.
func NewService(sim Simulator, store snapshots.Store, engine *rules.Engine, staleAfter time.Duration, logger *slog.Logger) *Service {
	return &Service{
		simulator:  sim,
		store:      store,
		engine:     engine,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate scores one base64 transaction. Upstream failures degrade into
// skipped rules and partial results; only an undecodable blob is an error.
func (s *Service) Evaluate(ctx context.Context, txBase64 string) (*Result, error) {
	requestID := uuid.NewString()
	now := s.now().UTC()
	ctx = logging.WithRequestID(ctx, requestID)
	log := logging.L(logging.WithLogger(ctx, s.logger))

	ctx, span := traces.StartSpan(ctx, "preflight.Evaluate", traces.RunID(requestID))
	defer span.End()

	parsed, err := txparse.Parse(txBase64)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("invalid_tx").Inc()
		traces.RecordError(span, err)
		return nil, &InvalidTxError{RequestID: requestID, Err: err}
	}
	span.SetAttributes(traces.FeePayer(parsed.FeePayer))

	sim := s.simulator.Simulate(ctx, txBase64, parsed.FeePayer)

	// Snapshot age is measured after simulation, which may walk every
	// endpoint; computed_at keeps the request start.
	view, staleEvidence := s.snapshotView(ctx, log, s.now().UTC())
	ruleCtx := &rules.Context{
		SimulateFailed:      sim.SimulateFailed,
		FeePayerLamports:    sim.FeePayerLamports,
		ProgramIDs:          parsed.ProgramIDs,
		Snapshot:            view,
		PriorityFeeBaseline: s.feeBaseline(ctx, log),
	}
	ev := s.engine.Evaluate(ruleCtx)

	evidence := make([]rules.Evidence, 0, len(staleEvidence)+len(ev.Evidence))
	evidence = append(evidence, staleEvidence...)
	evidence = append(evidence, ev.Evidence...)

	res := &Result{
		RequestID:      requestID,
		ComputedAt:     snapshots.FormatTime(now),
		RuleSetVersion: rules.RuleSetVersion,
		RiskScore:      ev.RiskScore,
		Partial:        sim.SimulateFailed,
		Flags:          ev.Flags,
		Evidence:       evidence,
	}

	s.record(ctx, log, res, parsed.FeePayer, txBase64, now)
	s.observe(res)
	span.SetAttributes(traces.RiskScore(res.RiskScore), traces.Partial(res.Partial))
	log.Info("preflight evaluated",
		"fee_payer", parsed.FeePayer,
		"risk_score", res.RiskScore,
		"partial", res.Partial,
		"stale", view.Stale,
	)
	return res, nil
}

// snapshotView reads the latest snapshot once and decides staleness, as of
// at, for every rule in this request.
func (s *Service) snapshotView(ctx context.Context, log *slog.Logger, at time.Time) (rules.SnapshotView, []rules.Evidence) {
	snap, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, snapshots.ErrNotFound) {
			log.Warn("failed to read latest snapshot", "error", err)
		}
		return rules.SnapshotView{}, nil
	}

	view := rules.SnapshotView{
		Available:              true,
		RPCErrorRate1m:         snap.RPCErrorRate1m,
		RPCP95Ms1m:             snap.RPCP95Ms1m,
		PriorityFeeLevel:       snap.PriorityFeeLevel,
		RPCErrorRateTrendRatio: snap.RPCErrorRateTrendRatio,
	}

	age := snap.Age(at)
	if age <= s.staleAfter {
		return view, nil
	}
	view.Stale = true
	view.StaleReason = rules.ReasonSnapshotStale
	return view, []rules.Evidence{{
		Metric:    "snapshot_age_sec",
		Value:     math.Round(age.Seconds()),
		Threshold: math.Round(s.staleAfter.Seconds()),
		Window:    "now",
		Source:    rules.SourceNetHealthSnapshots,
	}}
}

func (s *Service) feeBaseline(ctx context.Context, log *slog.Logger) *float64 {
	recent, err := s.store.RecentSnapshots(ctx, baselineWindow)
	if err != nil {
		log.Warn("failed to read recent snapshots", "error", err)
		return nil
	}
	fees := make([]*float64, 0, len(recent))
	for _, snap := range recent {
		fees = append(fees, snap.PriorityFeeLevel)
	}
	return rules.CalculatePriorityFeeBaseline(fees)
}

// record appends the evaluation log. Failures never reach the caller.
func (s *Service) record(ctx context.Context, log *slog.Logger, res *Result, payer, txBase64 string, now time.Time) {
	reqJSON, err := json.Marshal(map[string]string{"tx_base64": txBase64})
	if err != nil {
		log.Error("failed to encode preflight request", "error", err)
		return
	}
	respJSON, err := json.Marshal(res)
	if err != nil {
		log.Error("failed to encode preflight response", "error", err)
		return
	}
	err = s.store.InsertPreflightLog(ctx, &snapshots.PreflightLog{
		RunID:          res.RequestID,
		ComputedAt:     now,
		Payer:          payer,
		RuleSetVersion: res.RuleSetVersion,
		RequestJSON:    string(reqJSON),
		ResponseJSON:   string(respJSON),
		RiskScore:      res.RiskScore,
	})
	if err != nil {
		log.Error("failed to log preflight result", "error", err)
	}
}

func (s *Service) observe(res *Result) {
	outcome := "complete"
	if res.Partial {
		outcome = "partial"
	}
	metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	metrics.RiskScore.Observe(float64(res.RiskScore))
	for _, f := range res.Flags {
		switch {
		case f.Skipped:
			metrics.RuleTriggersTotal.WithLabelValues(f.Rule, "skipped").Inc()
		case f.Triggered:
			metrics.RuleTriggersTotal.WithLabelValues(f.Rule, "triggered").Inc()
		default:
			metrics.RuleTriggersTotal.WithLabelValues(f.Rule, "passed").Inc()
		}
	}
}

// Status returns the latest snapshot's public fields, or ErrNoSnapshot.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	snap, err := s.store.LatestSnapshot(ctx)
	if errors.Is(err, snapshots.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &Status{
		TS:               snapshots.FormatTime(snap.TS),
		RPCOkRate1m:      snap.RPCOkRate1m,
		RPCErrorRate1m:   snap.RPCErrorRate1m,
		RPCP95Ms1m:       snap.RPCP95Ms1m,
		PriorityFeeLevel: snap.PriorityFeeLevel,
	}, nil
}

// Lookup returns the logged evaluation for runID, or ErrRunNotFound.
func (s *Service) Lookup(ctx context.Context, runID string) (*snapshots.PreflightLog, error) {
	l, err := s.store.GetPreflightLog(ctx, runID)
	if errors.Is(err, snapshots.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return l, err
}
