package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/rules"
)

func writeResult(w io.Writer, res *preflight.Result) {
	fmt.Fprintf(w, "run_id:      %s\n", res.RequestID)
	fmt.Fprintf(w, "computed_at: %s\n", res.ComputedAt)
	fmt.Fprintf(w, "rule_set:    %s\n", res.RuleSetVersion)
	fmt.Fprintf(w, "risk_score:  %d", res.RiskScore)
	if res.Partial {
		fmt.Fprint(w, " (partial)")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tCODE\tPOINTS\tSTATE\tOBSERVED\tTHRESHOLD")
	for _, f := range res.Flags {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			f.Rule, f.Code, f.Points, flagState(f), value(f.Observed), value(f.Threshold))
	}
	_ = tw.Flush()

	if len(res.Evidence) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tVALUE\tTHRESHOLD\tWINDOW\tSOURCE")
	for _, e := range res.Evidence {
		fmt.Fprintf(tw, "%s\t%g\t%g\t%s\t%s\n", e.Metric, e.Value, e.Threshold, e.Window, e.Source)
	}
	_ = tw.Flush()
}

func writeStatus(w io.Writer, st *preflight.Status) {
	fmt.Fprintf(w, "ts:                 %s\n", st.TS)
	fmt.Fprintf(w, "rpc_ok_rate_1m:     %g\n", st.RPCOkRate1m)
	fmt.Fprintf(w, "rpc_error_rate_1m:  %g\n", st.RPCErrorRate1m)
	fmt.Fprintf(w, "rpc_p95_ms_1m:      %g\n", st.RPCP95Ms1m)
	if st.PriorityFeeLevel != nil {
		fmt.Fprintf(w, "priority_fee_level: %g\n", *st.PriorityFeeLevel)
	} else {
		fmt.Fprintln(w, "priority_fee_level: -")
	}
}

func flagState(f rules.Flag) string {
	switch {
	case f.Skipped:
		return "skipped: " + f.Reason
	case f.Triggered:
		return "TRIGGERED"
	default:
		return "ok"
	}
}

func value(v any) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
