package rules

import "fmt"

// snapshotSkip returns the skip shared by every snapshot-backed rule, or nil
// when the snapshot is usable.
func snapshotSkip(s SnapshotView) Outcome {
	if !s.Available {
		return Skipped{Reason: ReasonNoSnapshot}
	}
	if s.Stale {
		reason := s.StaleReason
		if reason == "" {
			reason = ReasonSnapshotStale
		}
		return Skipped{Reason: reason}
	}
	return nil
}

// FeeSpikeRule (B1) flags a current priority fee at or above Multiplier
// times the recent baseline.
type FeeSpikeRule struct {
	Multiplier float64
}

func (FeeSpikeRule) ID() string   { return "B1" }
func (FeeSpikeRule) Code() string { return "PRIORITY_FEE_SPIKE" }
func (FeeSpikeRule) Points() int  { return 20 }

func (r FeeSpikeRule) Evaluate(ctx *Context) Outcome {
	if skip := snapshotSkip(ctx.Snapshot); skip != nil {
		return skip
	}
	if ctx.Snapshot.PriorityFeeLevel == nil {
		return Skipped{Reason: ReasonNoPriorityFeeData}
	}
	if ctx.PriorityFeeBaseline == nil || *ctx.PriorityFeeBaseline == 0 {
		return Skipped{Reason: ReasonNoBaselineData}
	}

	ratio := *ctx.Snapshot.PriorityFeeLevel / *ctx.PriorityFeeBaseline
	out := Evaluated{
		Triggered: ratio >= r.Multiplier,
		Observed:  ratio,
		Threshold: r.Multiplier,
		Source:    SourceNetHealthSnapshots,
	}
	if out.Triggered {
		out.Message = fmt.Sprintf("Priority fee spike detected (%.2fx baseline)", ratio)
		out.Evidence = &Evidence{
			Metric:    "priority_fee_ratio",
			Value:     ratio,
			Threshold: r.Multiplier,
			Window:    "10m",
			Source:    SourceNetHealthSnapshots,
		}
	}
	return out
}

// RPCDegradationRule (B2) flags an error rate above ErrorRateMax or a p95
// latency above P95MsMax. When both fire, the error rate is reported as the
// observation and as the only evidence item.
type RPCDegradationRule struct {
	ErrorRateMax float64
	P95MsMax     float64
}

func (RPCDegradationRule) ID() string   { return "B2" }
func (RPCDegradationRule) Code() string { return "RPC_DEGRADATION" }
func (RPCDegradationRule) Points() int  { return 30 }

func (r RPCDegradationRule) Evaluate(ctx *Context) Outcome {
	if skip := snapshotSkip(ctx.Snapshot); skip != nil {
		return skip
	}

	errorRate := ctx.Snapshot.RPCErrorRate1m
	p95 := ctx.Snapshot.RPCP95Ms1m
	errorTriggered := errorRate > r.ErrorRateMax
	p95Triggered := p95 > r.P95MsMax

	if !errorTriggered && !p95Triggered {
		return Evaluated{
			Observed:  errorRate,
			Threshold: r.ErrorRateMax,
			Source:    SourceNetHealthSnapshots,
		}
	}

	msg := "RPC degradation detected:"
	var primary *Evidence
	if errorTriggered {
		msg += fmt.Sprintf(" error rate %.1f%% > %.1f%%", errorRate*100, r.ErrorRateMax*100)
		primary = &Evidence{
			Metric:    "rpc_error_rate_1m",
			Value:     errorRate,
			Threshold: r.ErrorRateMax,
			Window:    "1m",
			Source:    SourceNetHealthSnapshots,
		}
	}
	if p95Triggered {
		if errorTriggered {
			msg += ","
		}
		msg += fmt.Sprintf(" p95 latency %vms > %vms", p95, r.P95MsMax)
		if primary == nil {
			primary = &Evidence{
				Metric:    "rpc_p95_ms_1m",
				Value:     p95,
				Threshold: r.P95MsMax,
				Window:    "1m",
				Source:    SourceNetHealthSnapshots,
			}
		}
	}

	out := Evaluated{
		Triggered: true,
		Observed:  p95,
		Threshold: r.P95MsMax,
		Source:    SourceNetHealthSnapshots,
		Message:   msg,
		Evidence:  primary,
	}
	if errorTriggered {
		out.Observed = errorRate
		out.Threshold = r.ErrorRateMax
	}
	return out
}

// ErrorTrendRule (C1) flags an error-rate trend ratio at or above
// RatioThreshold.
type ErrorTrendRule struct {
	RatioThreshold float64
}

func (ErrorTrendRule) ID() string   { return "C1" }
func (ErrorTrendRule) Code() string { return "ERROR_RATE_TREND" }
func (ErrorTrendRule) Points() int  { return 25 }

func (r ErrorTrendRule) Evaluate(ctx *Context) Outcome {
	if skip := snapshotSkip(ctx.Snapshot); skip != nil {
		return skip
	}
	if ctx.Snapshot.RPCErrorRateTrendRatio == nil {
		return Skipped{Reason: ReasonNoTrendData}
	}

	ratio := *ctx.Snapshot.RPCErrorRateTrendRatio
	out := Evaluated{
		Triggered: ratio >= r.RatioThreshold,
		Observed:  ratio,
		Threshold: r.RatioThreshold,
		Source:    SourceNetHealthSnapshots,
	}
	if out.Triggered {
		out.Message = fmt.Sprintf("Error rate trending up rapidly (%.1fx increase in 10 minutes)", ratio)
		out.Evidence = &Evidence{
			Metric:    "rpc_error_rate_trend_ratio",
			Value:     ratio,
			Threshold: r.RatioThreshold,
			Window:    "10m",
			Source:    SourceNetHealthSnapshots,
		}
	}
	return out
}
