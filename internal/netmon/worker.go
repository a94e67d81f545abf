// Package netmon samples Solana RPC health on a fixed schedule and writes one
// HealthSnapshot per cycle.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/preflight/internal/circuitbreaker"
	"github.com/mbd888/preflight/internal/metrics"
	"github.com/mbd888/preflight/internal/retry"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/solrpc"
	"github.com/mbd888/preflight/internal/traces"
)

const (
	DefaultProbeCount   = 5
	DefaultProbeTimeout = 5 * time.Second
	DefaultProbeSpacing = 100 * time.Millisecond

	// The previous snapshot for the trend ratio is the newest one taken
	// between trendWindowFar and trendWindowNear ago.
	trendWindowFar  = 11 * time.Minute
	trendWindowNear = 9 * time.Minute

	// trendEpsilon floors the previous error rate in the trend ratio.
	trendEpsilon = 0.001

	insertAttempts = 3
	insertBackoff  = 200 * time.Millisecond
)

// ErrAllEndpointsFailed means no endpoint answered a single probe; the cycle
// wrote nothing.
var ErrAllEndpointsFailed = errors.New("netmon: all RPC endpoints failed")

// Worker runs the health sampling loop.
type Worker struct {
	store     snapshots.Store
	endpoints []string
	dial      solrpc.Dialer
	breaker   *circuitbreaker.Breaker
	interval  time.Duration
	logger    *slog.Logger

	probeCount   int
	probeTimeout time.Duration
	probeSpacing time.Duration
	now          func() time.Time

	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	lastCycle atomic.Int64 // unix nanos of the last completed cycle
}

// Option configures a Worker.
type Option func(*Worker)

// WithDialer replaces the RPC dialer.
func WithDialer(d solrpc.Dialer) Option { return func(w *Worker) { w.dial = d } }

// WithProbes overrides probe count, per-probe timeout and spacing.
func WithProbes(count int, timeout, spacing time.Duration) Option {
	return func(w *Worker) {
		w.probeCount = count
		w.probeTimeout = timeout
		w.probeSpacing = spacing
	}
}

// WithBreaker records each endpoint's probe outcome in b. Endpoints are
// still probed in the configured order.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(w *Worker) { w.breaker = b } }

// WithClock overrides the wall clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// NewWorker creates a worker that samples endpoints in order every interval.
func NewWorker(store snapshots.Store, endpoints []string, interval time.Duration, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		endpoints:    endpoints,
		dial:         solrpc.DefaultDialer,
		interval:     interval,
		logger:       logger,
		probeCount:   DefaultProbeCount,
		probeTimeout: DefaultProbeTimeout,
		probeSpacing: DefaultProbeSpacing,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.probeCount <= 0 {
		w.probeCount = DefaultProbeCount
	}
	return w
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// LastCycle returns when the last cycle finished, zero if none has.
func (w *Worker) LastCycle() time.Time {
	n := w.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs a cycle immediately, then one per interval at fixed offsets
// from the start time. The timer is re-armed only after a cycle returns, so
// cycles never overlap; an overrunning cycle shortens the following gap.
// Blocks until ctx is done or Stop is called. A stopped worker does not
// start again.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("health worker already running")
		return
	}
	defer w.running.Store(false)

	if w.stopped() {
		w.logger.Info("health worker stopped before start")
		return
	}

	w.logger.Info("health worker started", "interval", w.interval, "endpoints", len(w.endpoints))
	start := time.Now()
	w.safeCycle(ctx)

	timer := time.NewTimer(w.nextDelay(start, 1))
	defer timer.Stop()

	for k := 2; ; k++ {
		select {
		case <-ctx.Done():
			w.logger.Info("health worker stopped")
			return
		case <-w.stop:
			w.logger.Info("health worker stopped")
			return
		case <-timer.C:
			// Both cases may be ready after a long cycle; stop wins.
			if w.stopped() || ctx.Err() != nil {
				w.logger.Info("health worker stopped")
				return
			}
			w.safeCycle(ctx)
			timer.Reset(w.nextDelay(start, k))
		}
	}
}

// Stop signals the loop to exit. It is safe to call at any time, more than
// once, and before Start; a cycle in progress finishes first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// nextDelay returns the wait until start + k·interval, never negative.
func (w *Worker) nextDelay(start time.Time, k int) time.Duration {
	d := time.Until(start.Add(time.Duration(k) * w.interval))
	if d < 0 {
		return 0
	}
	return d
}

func (w *Worker) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerCyclesTotal.WithLabelValues("failed").Inc()
			w.logger.Error("panic in health worker cycle", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error("health worker cycle failed", "error", err)
	}
}

// RunOnce performs one sampling cycle and returns the snapshot it wrote.
func (w *Worker) RunOnce(ctx context.Context) (*snapshots.HealthSnapshot, error) {
	ctx, span := traces.StartSpan(ctx, "netmon.RunOnce")
	defer span.End()
	defer w.lastCycle.Store(time.Now().UnixNano())

	sample, err := w.collect(ctx)
	if err != nil {
		metrics.WorkerCyclesTotal.WithLabelValues("skipped").Inc()
		traces.RecordError(span, err)
		return nil, err
	}

	now := w.now().UTC()
	snap := &snapshots.HealthSnapshot{
		TS:               now,
		RPCOkRate1m:      sample.okRate,
		RPCErrorRate1m:   1 - sample.okRate,
		RPCP95Ms1m:       sample.p95Ms,
		PriorityFeeLevel: sample.feeLevel,
	}
	snap.RPCErrorRateTrendRatio = w.trendRatio(ctx, now, snap.RPCErrorRate1m)

	err = retry.Do(ctx, insertAttempts, insertBackoff, func() error {
		return w.store.InsertSnapshot(ctx, snap)
	})
	if err != nil {
		metrics.WorkerCyclesTotal.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	metrics.WorkerCyclesTotal.WithLabelValues("written").Inc()
	metrics.SnapshotErrorRate.Set(snap.RPCErrorRate1m)
	metrics.SnapshotP95Ms.Set(snap.RPCP95Ms1m)
	metrics.SnapshotTimestamp.Set(float64(now.Unix()))
	w.logger.Info("health snapshot saved",
		"endpoint", sample.endpoint,
		"ok_rate", snap.RPCOkRate1m,
		"p95_ms", snap.RPCP95Ms1m,
		"priority_fee_level", floatAttr(snap.PriorityFeeLevel),
		"trend_ratio", floatAttr(snap.RPCErrorRateTrendRatio),
	)
	return snap, nil
}

type sample struct {
	endpoint string
	okRate   float64
	p95Ms    float64
	feeLevel *float64
}

// collect probes endpoints in order and returns the first with any success.
func (w *Worker) collect(ctx context.Context) (*sample, error) {
	for _, url := range w.endpoints {
		s, err := w.probeEndpoint(ctx, url)
		if err != nil {
			w.logger.Warn("health probe endpoint failed", "endpoint", url, "error", err)
			if w.breaker != nil {
				w.breaker.RecordFailure(url)
			}
			continue
		}
		if w.breaker != nil {
			w.breaker.RecordSuccess(url)
		}
		return s, nil
	}
	return nil, ErrAllEndpointsFailed
}

func (w *Worker) probeEndpoint(ctx context.Context, url string) (*sample, error) {
	client, err := w.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	latencies := make([]float64, 0, w.probeCount)
	for i := 0; i < w.probeCount; i++ {
		if d, ok := w.probe(ctx, client); ok {
			latencies = append(latencies, d)
		}
		if i < w.probeCount-1 && !sleep(ctx, w.probeSpacing) {
			return nil, ctx.Err()
		}
	}
	if len(latencies) == 0 {
		return nil, fmt.Errorf("all %d probes failed", w.probeCount)
	}

	return &sample{
		endpoint: url,
		okRate:   float64(len(latencies)) / float64(w.probeCount),
		p95Ms:    CalculateP95(latencies),
		feeLevel: w.priorityFee(ctx, client),
	}, nil
}

// probe times one getLatestBlockhash call in milliseconds.
func (w *Worker) probe(ctx context.Context, client solrpc.API) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := client.GetLatestBlockhash(ctx)
	elapsed := time.Since(start)
	metrics.RPCCallDuration.WithLabelValues("getLatestBlockhash").Observe(elapsed.Seconds())
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues("getLatestBlockhash", "error").Inc()
		return 0, false
	}
	metrics.RPCCallsTotal.WithLabelValues("getLatestBlockhash", "ok").Inc()
	return float64(elapsed.Microseconds()) / 1000, true
}

// priorityFee is best effort: unsupported or failing calls yield nil.
func (w *Worker) priorityFee(ctx context.Context, client solrpc.API) *float64 {
	ctx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	fees, err := client.GetRecentPrioritizationFees(ctx)
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues("getRecentPrioritizationFees", "error").Inc()
		w.logger.Debug("priority fees unavailable", "error", err)
		return nil
	}
	metrics.RPCCallsTotal.WithLabelValues("getRecentPrioritizationFees", "ok").Inc()
	return MedianPositiveFee(fees)
}

func (w *Worker) trendRatio(ctx context.Context, now time.Time, errorRate float64) *float64 {
	prev, err := w.store.SnapshotInWindow(ctx, now.Add(-trendWindowFar), now.Add(-trendWindowNear))
	if err != nil {
		if !errors.Is(err, snapshots.ErrNotFound) {
			w.logger.Warn("trend lookup failed", "error", err)
		}
		return nil
	}
	return CalculateTrendRatio(errorRate, &prev.RPCErrorRate1m)
}

// CalculateP95 returns the nearest-rank 95th percentile, 0 for no samples.
func CalculateP95(latencies []float64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(float64(len(sorted))*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// CalculateTrendRatio divides the current error rate by the previous one,
// floored at 0.001. A nil previous rate yields nil.
func CalculateTrendRatio(current float64, previous *float64) *float64 {
	if previous == nil {
		return nil
	}
	ratio := current / math.Max(*previous, trendEpsilon)
	return &ratio
}

// MedianPositiveFee returns the upper-middle value of the strictly positive
// fees, or nil when there are none.
func MedianPositiveFee(fees []solrpc.PrioritizationFee) *float64 {
	values := make([]float64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, float64(f.PrioritizationFee))
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)
	median := values[len(values)/2]
	return &median
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func floatAttr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
