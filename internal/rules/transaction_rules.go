package rules

import (
	"fmt"
	"strings"
)

const lamportsPerSOL = 1_000_000_000

// SOLBufferRule (A1) flags a fee payer left below MinSOL after simulation.
type SOLBufferRule struct {
	MinSOL float64
}

func (SOLBufferRule) ID() string   { return "A1" }
func (SOLBufferRule) Code() string { return "SOL_BUFFER_LOW" }
func (SOLBufferRule) Points() int  { return 15 }

func (r SOLBufferRule) Evaluate(ctx *Context) Outcome {
	if ctx.SimulateFailed {
		return Skipped{Reason: ReasonSimulateFailed}
	}
	if ctx.FeePayerLamports == nil {
		return Skipped{Reason: ReasonNoAccountData}
	}

	postSOL := float64(*ctx.FeePayerLamports) / lamportsPerSOL
	out := Evaluated{
		Triggered: postSOL < r.MinSOL,
		Observed:  postSOL,
		Threshold: r.MinSOL,
		Source:    SourceSimulateResponse,
	}
	if out.Triggered {
		out.Message = fmt.Sprintf("Post-simulation SOL balance (%.6f) is below minimum buffer (%v)", postSOL, r.MinSOL)
		out.Evidence = &Evidence{
			Metric:    "post_simulation_sol",
			Value:     postSOL,
			Threshold: r.MinSOL,
			Window:    "tx",
			Source:    SourceSimulateResponse,
		}
	}
	return out
}

// BlacklistRule (A3) flags transactions invoking a blacklisted program. It
// never skips; an empty blacklist always passes.
type BlacklistRule struct {
	Blacklist []string
}

func (BlacklistRule) ID() string   { return "A3" }
func (BlacklistRule) Code() string { return "BLACKLISTED_PROGRAM" }
func (BlacklistRule) Points() int  { return 10 }

func (r BlacklistRule) Evaluate(ctx *Context) Outcome {
	if len(r.Blacklist) == 0 {
		return Evaluated{
			Observed:  0,
			Threshold: 1,
			Source:    SourceTransaction,
			Message:   "No blacklist configured",
		}
	}

	banned := make(map[string]struct{}, len(r.Blacklist))
	for _, id := range r.Blacklist {
		banned[id] = struct{}{}
	}
	var found []string
	for _, id := range ctx.ProgramIDs {
		if _, ok := banned[id]; ok {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return Evaluated{Observed: 0, Threshold: 1, Source: SourceTransaction}
	}

	joined := strings.Join(found, ", ")
	return Evaluated{
		Triggered: true,
		Observed:  joined,
		Threshold: "none allowed",
		Source:    SourceTransaction,
		Message:   "Transaction contains blacklisted program(s): " + joined,
		Evidence: &Evidence{
			Metric:    "blacklisted_program_count",
			Value:     float64(len(found)),
			Threshold: 0,
			Window:    "tx",
			Source:    SourceTransaction,
		},
	}
}
