// Package simulate dry-runs transactions against an ordered list of RPC
// endpoints and reports the fee payer's predicted balance.
package simulate

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/preflight/internal/circuitbreaker"
	"github.com/mbd888/preflight/internal/metrics"
	"github.com/mbd888/preflight/internal/solrpc"
	"github.com/mbd888/preflight/internal/traces"
)

// DefaultTimeout bounds each endpoint attempt.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one simulation.
type Result struct {
	// SimulateFailed is true only when no endpoint gave a usable answer.
	SimulateFailed bool
	// FeePayerLamports is nil when the chain rejected the transaction or
	// returned no account state.
	FeePayerLamports *uint64
	// SimError holds the raw chain error when the transaction would fail.
	SimError string
	// Endpoint is the URL that answered, empty when exhausted.
	Endpoint string
}

// Simulator walks endpoints in order until one answers.
type Simulator struct {
	endpoints []string
	dial      solrpc.Dialer
	timeout   time.Duration
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDialer replaces the RPC dialer.
func WithDialer(d solrpc.Dialer) Option {
	return func(s *Simulator) { s.dial = d }
}

// WithTimeout overrides the per-endpoint timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Simulator) { s.timeout = d }
}

// WithBreaker records each endpoint's outcome in b. The walk order is
// never changed by the breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Simulator) { s.breaker = b }
}

// New creates a Simulator over endpoints, tried in the given order.
func New(endpoints []string, logger *slog.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		endpoints: endpoints,
		dial:      solrpc.DefaultDialer,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulate never returns an error: exhausting every endpoint yields
// SimulateFailed. A chain-level rejection ends the walk with a usable answer.
func (s *Simulator) Simulate(ctx context.Context, txBase64, feePayer string) Result {
	ctx, span := traces.StartSpan(ctx, "simulate.Simulate", traces.FeePayer(feePayer))
	defer span.End()

	// Callers cannot cancel an in-flight simulation; only the timeout can.
	ctx = context.WithoutCancel(ctx)

	for _, url := range s.endpoints {
		res, err := s.attempt(ctx, url, txBase64, feePayer)
		if err != nil {
			metrics.RPCCallsTotal.WithLabelValues("simulateTransaction", "error").Inc()
			s.logger.Warn("simulation endpoint failed", "endpoint", url, "error", err)
			if s.breaker != nil {
				s.breaker.RecordFailure(url)
			}
			continue
		}
		metrics.RPCCallsTotal.WithLabelValues("simulateTransaction", "ok").Inc()
		if s.breaker != nil {
			s.breaker.RecordSuccess(url)
		}

		out := Result{Endpoint: url}
		if res.Failed() {
			out.SimError = string(res.Err)
			s.logger.Info("simulation reported transaction error", "endpoint", url, "sim_error", out.SimError)
			return out
		}
		if len(res.Accounts) > 0 && res.Accounts[0] != nil {
			lamports := res.Accounts[0].Lamports
			out.FeePayerLamports = &lamports
		}
		return out
	}

	s.logger.Warn("all simulation endpoints failed", "endpoints", len(s.endpoints))
	span.SetAttributes(traces.Partial(true))
	return Result{SimulateFailed: true}
}

func (s *Simulator) attempt(ctx context.Context, url, txBase64, feePayer string) (*solrpc.SimulateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "simulate.attempt", traces.Endpoint(url))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RPCCallDuration.WithLabelValues("simulateTransaction").Observe(time.Since(start).Seconds())
	}()

	client, err := s.dial(ctx, url)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	defer client.Close()

	res, err := client.SimulateTransaction(ctx, txBase64, feePayer)
	traces.RecordError(span, err)
	return res, err
}
