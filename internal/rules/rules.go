// Package rules scores a transaction's preflight context.
//
// Each rule either skips with a reason or evaluates to triggered/not
// triggered. The engine always returns one flag per rule in a fixed order
// and a score capped at 100. Evaluation is pure: no I/O, no clock.
package rules

import (
	"sort"
)

// RuleSetVersion identifies the rule set and thresholds semantics.
const RuleSetVersion = "rev-final-1.0.0"

// MaxRiskScore caps the summed points.
const MaxRiskScore = 100

// Skip reasons.
const (
	ReasonSimulateFailed    = "simulate_failed"
	ReasonNoAccountData     = "no_account_data"
	ReasonNoSnapshot        = "no_snapshot"
	ReasonSnapshotStale     = "snapshot_stale"
	ReasonNoPriorityFeeData = "priority_fee_data_unavailable"
	ReasonNoBaselineData    = "no_baseline_data"
	ReasonNoTrendData       = "no_trend_data"
)

// Evidence and flag source tags.
const (
	SourceSimulateResponse   = "simulate_response"
	SourceTransaction        = "transaction"
	SourceNetHealthSnapshots = "net_health_snapshots"
)

// Flag is the per-rule output.
type Flag struct {
	Rule      string `json:"rule"`
	Code      string `json:"code"`
	Points    int    `json:"points"`
	Triggered bool   `json:"triggered"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Observed  any    `json:"observed,omitempty"`
	Threshold any    `json:"threshold,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Counts reports whether the flag contributes its points to the score.
func (f Flag) Counts() bool {
	return f.Triggered && !f.Skipped
}

// Evidence is a metric observation backing a triggered rule or staleness.
type Evidence struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Window    string  `json:"window"`
	Source    string  `json:"source"`
}

// SnapshotView is the slice of the latest health snapshot the rules read.
type SnapshotView struct {
	Available   bool
	Stale       bool
	StaleReason string

	RPCErrorRate1m         float64
	RPCP95Ms1m             float64
	PriorityFeeLevel       *float64
	RPCErrorRateTrendRatio *float64
}

// Context is everything a rule may consult.
type Context struct {
	SimulateFailed   bool
	FeePayerLamports *uint64
	ProgramIDs       []string
	Snapshot         SnapshotView
	// PriorityFeeBaseline is nil when no usable fee exists.
	PriorityFeeBaseline *float64
}

// Outcome is either Skipped or Evaluated.
type Outcome interface {
	outcome()
}

// Skipped means the rule lacked usable input.
type Skipped struct {
	Reason string
}

// Evaluated means the rule compared an observation against its threshold.
type Evaluated struct {
	Triggered bool
	Observed  any
	Threshold any
	Source    string
	Message   string
	// Evidence is set only for triggered rules.
	Evidence *Evidence
}

func (Skipped) outcome()   {}
func (Evaluated) outcome() {}

// Rule is one scoring rule.
type Rule interface {
	ID() string
	Code() string
	Points() int
	Evaluate(ctx *Context) Outcome
}

// Evaluation is the engine output.
type Evaluation struct {
	Flags     []Flag
	Evidence  []Evidence
	RiskScore int
}

// Engine runs rules in registration order.
type Engine struct {
	rules []Rule
}

// NewEngine returns the standard A1, A3, B1, B2, C1 engine.
func NewEngine(t Thresholds) *Engine {
	return &Engine{rules: []Rule{
		SOLBufferRule{MinSOL: t.MinSOLBuffer},
		BlacklistRule{Blacklist: t.ProgramBlacklist},
		FeeSpikeRule{Multiplier: t.FeeSpikeMultiplier},
		RPCDegradationRule{ErrorRateMax: t.RPCErrorRateMax, P95MsMax: t.RPCP95MsMax},
		ErrorTrendRule{RatioThreshold: t.TrendRatioThreshold},
	}}
}

// Rules returns the registered rules in order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate produces exactly one flag per rule.
func (e *Engine) Evaluate(ctx *Context) *Evaluation {
	ev := &Evaluation{
		Flags:    make([]Flag, 0, len(e.rules)),
		Evidence: []Evidence{},
	}
	for _, r := range e.rules {
		flag := Flag{Rule: r.ID(), Code: r.Code(), Points: r.Points()}
		switch o := r.Evaluate(ctx).(type) {
		case Skipped:
			flag.Skipped = true
			flag.Reason = o.Reason
		case Evaluated:
			flag.Triggered = o.Triggered
			flag.Observed = o.Observed
			flag.Threshold = o.Threshold
			flag.Source = o.Source
			flag.Message = o.Message
			if o.Triggered && o.Evidence != nil {
				ev.Evidence = append(ev.Evidence, *o.Evidence)
			}
		}
		ev.Flags = append(ev.Flags, flag)
	}
	ev.RiskScore = Score(ev.Flags)
	return ev
}

// Score sums points of flags that count, capped at MaxRiskScore.
func Score(flags []Flag) int {
	total := 0
	for _, f := range flags {
		if f.Counts() {
			total += f.Points
		}
	}
	return min(total, MaxRiskScore)
}

// CalculatePriorityFeeBaseline returns the median of the non-nil, strictly
// positive fees (mean of the two middle values for even counts), or nil.
func CalculatePriorityFeeBaseline(fees []*float64) *float64 {
	values := make([]float64, 0, len(fees))
	for _, f := range fees {
		if f != nil && *f > 0 {
			values = append(values, *f)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)
	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}
	return &median
}
