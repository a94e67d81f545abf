package netmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/preflight/internal/circuitbreaker"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/solrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	probes    []error // consumed in order; nil means success
	fees      []solrpc.PrioritizationFee
	feeErr    error
	delay     time.Duration
	probeHits int
}

func (f *fakeAPI) SimulateTransaction(context.Context, string, string) (*solrpc.SimulateResult, error) {
	return nil, errors.New("unused")
}

func (f *fakeAPI) GetLatestBlockhash(context.Context) (*solrpc.Blockhash, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.probeHits
	f.probeHits++
	if i < len(f.probes) && f.probes[i] != nil {
		return nil, f.probes[i]
	}
	return &solrpc.Blockhash{Blockhash: "hash"}, nil
}

func (f *fakeAPI) GetRecentPrioritizationFees(context.Context) ([]solrpc.PrioritizationFee, error) {
	return f.fees, f.feeErr
}

func (f *fakeAPI) Close() {}

func dialer(apis map[string]*fakeAPI) solrpc.Dialer {
	return func(_ context.Context, url string) (solrpc.API, error) {
		api, ok := apis[url]
		if !ok {
			return nil, errors.New("unreachable")
		}
		return api, nil
	}
}

var errProbe = errors.New("probe failed")

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestWorker(store snapshots.Store, endpoints []string, apis map[string]*fakeAPI, now time.Time) *Worker {
	return NewWorker(store, endpoints, time.Minute, quietLogger(),
		WithDialer(dialer(apis)),
		WithProbes(5, time.Second, 0),
		WithClock(func() time.Time { return now }),
	)
}

func TestCalculateP95(t *testing.T) {
	assert.Equal(t, 500.0, CalculateP95([]float64{100, 200, 300, 400, 500}))
	assert.Equal(t, 500.0, CalculateP95([]float64{500, 100, 300, 200, 400}))
	assert.Equal(t, 0.0, CalculateP95(nil))
	assert.Equal(t, 42.0, CalculateP95([]float64{42}))

	in := []float64{3, 1, 2}
	CalculateP95(in)
	assert.Equal(t, []float64{3, 1, 2}, in, "input not mutated")
}

func TestCalculateTrendRatio(t *testing.T) {
	prev := 0.01
	got := CalculateTrendRatio(0.03, &prev)
	require.NotNil(t, got)
	assert.InDelta(t, 3.0, *got, 1e-9)

	assert.Nil(t, CalculateTrendRatio(0.5, nil))

	zero := 0.0
	got = CalculateTrendRatio(0.01, &zero)
	require.NotNil(t, got)
	assert.InDelta(t, 10.0, *got, 1e-9)
}

func TestMedianPositiveFee(t *testing.T) {
	fees := []solrpc.PrioritizationFee{
		{PrioritizationFee: 0}, {PrioritizationFee: 300}, {PrioritizationFee: 100}, {PrioritizationFee: 200}, {PrioritizationFee: 400},
	}
	got := MedianPositiveFee(fees)
	require.NotNil(t, got)
	assert.Equal(t, 300.0, *got, "upper middle of [100 200 300 400]")

	assert.Nil(t, MedianPositiveFee(nil))
	assert.Nil(t, MedianPositiveFee([]solrpc.PrioritizationFee{{PrioritizationFee: 0}}))
}

func TestRunOnce_WritesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := snapshots.NewMemoryStore()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		probes: []error{nil, errProbe, nil, nil, nil},
		fees:   []solrpc.PrioritizationFee{{PrioritizationFee: 1000}, {PrioritizationFee: 0}},
	}
	w := newTestWorker(store, []string{"primary"}, map[string]*fakeAPI{"primary": api}, now)

	snap, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, snap.RPCOkRate1m, 1e-9)
	assert.InDelta(t, 0.2, snap.RPCErrorRate1m, 1e-9)
	require.NotNil(t, snap.PriorityFeeLevel)
	assert.Equal(t, 1000.0, *snap.PriorityFeeLevel)
	assert.Nil(t, snap.TxFailRate1m)
	assert.Nil(t, snap.RPCErrorRateTrendRatio, "no snapshot 9-11 minutes back")
	assert.Equal(t, 5, api.probeHits)

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, latest.TS.Equal(now))
	assert.False(t, w.LastCycle().IsZero())
}

func TestRunOnce_TrendAgainstWindow(t *testing.T) {
	ctx := context.Background()
	store := snapshots.NewMemoryStore()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Inside the window.
	require.NoError(t, store.InsertSnapshot(ctx, &snapshots.HealthSnapshot{TS: now.Add(-10 * time.Minute), RPCErrorRate1m: 0.1}))
	// Outside the window on both sides.
	require.NoError(t, store.InsertSnapshot(ctx, &snapshots.HealthSnapshot{TS: now.Add(-12 * time.Minute), RPCErrorRate1m: 0.9}))
	require.NoError(t, store.InsertSnapshot(ctx, &snapshots.HealthSnapshot{TS: now.Add(-5 * time.Minute), RPCErrorRate1m: 0.9}))

	api := &fakeAPI{probes: []error{errProbe, errProbe, nil, nil, nil}, feeErr: errors.New("method not found")}
	w := newTestWorker(store, []string{"primary"}, map[string]*fakeAPI{"primary": api}, now)

	snap, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.RPCErrorRateTrendRatio)
	assert.InDelta(t, 4.0, *snap.RPCErrorRateTrendRatio, 1e-9)
	assert.Nil(t, snap.PriorityFeeLevel, "fee call failure is best effort")
}

func TestRunOnce_FallsBackWhenAllProbesFail(t *testing.T) {
	store := snapshots.NewMemoryStore()
	down := &fakeAPI{probes: []error{errProbe, errProbe, errProbe, errProbe, errProbe}}
	up := &fakeAPI{}
	w := newTestWorker(store, []string{"dead", "down", "up"}, map[string]*fakeAPI{"down": down, "up": up}, time.Now())

	snap, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.RPCOkRate1m)
	assert.Equal(t, 5, down.probeHits)
	assert.Equal(t, 5, up.probeHits)
}

func TestRunOnce_BreakerObservesWithoutReordering(t *testing.T) {
	store := snapshots.NewMemoryStore()
	breaker := circuitbreaker.New(1, time.Hour)
	down := &fakeAPI{probes: make([]error, 10)}
	for i := range down.probes {
		down.probes[i] = errProbe
	}
	up := &fakeAPI{}
	w := NewWorker(store, []string{"down", "up"}, time.Minute, quietLogger(),
		WithDialer(dialer(map[string]*fakeAPI{"down": down, "up": up})),
		WithProbes(5, time.Second, 0),
		WithBreaker(breaker),
	)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("down"))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("up"))

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, down.probeHits, "open endpoint is still tried first")
	assert.Equal(t, 10, up.probeHits)
}

func TestRunOnce_SkipsCycleWhenEverythingFails(t *testing.T) {
	store := snapshots.NewMemoryStore()
	down := &fakeAPI{probes: []error{errProbe, errProbe, errProbe, errProbe, errProbe}}
	w := newTestWorker(store, []string{"down", "dead"}, map[string]*fakeAPI{"down": down}, time.Now())

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.Equal(t, 0, store.Len())
}

type flakyStore struct {
	*snapshots.MemoryStore
	failures int
	calls    int
}

func (s *flakyStore) InsertSnapshot(ctx context.Context, snap *snapshots.HealthSnapshot) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("database is locked")
	}
	return s.MemoryStore.InsertSnapshot(ctx, snap)
}

func TestRunOnce_RetriesInsert(t *testing.T) {
	store := &flakyStore{MemoryStore: snapshots.NewMemoryStore(), failures: 2}
	w := newTestWorker(store, []string{"up"}, map[string]*fakeAPI{"up": {}}, time.Now())

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, store.Len())
}

func TestRunOnce_InsertGivesUp(t *testing.T) {
	store := &flakyStore{MemoryStore: snapshots.NewMemoryStore(), failures: 10}
	w := newTestWorker(store, []string{"up"}, map[string]*fakeAPI{"up": {}}, time.Now())

	_, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "database is locked")
	assert.Equal(t, insertAttempts, store.calls)
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	store := snapshots.NewMemoryStore()
	w := NewWorker(store, []string{"up"}, time.Hour, quietLogger(),
		WithDialer(dialer(map[string]*fakeAPI{"up": {}})),
		WithProbes(1, time.Second, 0),
	)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Running())

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.Running())
}

func TestStop_DuringCycle(t *testing.T) {
	store := snapshots.NewMemoryStore()
	w := NewWorker(store, []string{"slow"}, time.Hour, quietLogger(),
		WithDialer(dialer(map[string]*fakeAPI{"slow": {delay: 200 * time.Millisecond}})),
		WithProbes(1, time.Second, 0),
	)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, w.Running, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop during a cycle was lost")
	}
	assert.False(t, w.Running())
	assert.Equal(t, 1, store.Len(), "the cycle in progress completes")
}

func TestStop_BeforeStart(t *testing.T) {
	store := snapshots.NewMemoryStore()
	w := NewWorker(store, []string{"up"}, time.Hour, quietLogger(),
		WithDialer(dialer(map[string]*fakeAPI{"up": {}})),
		WithProbes(1, time.Second, 0),
	)
	w.Stop()
	w.Stop()

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored an earlier Stop")
	}
	assert.Equal(t, 0, store.Len())
}

func TestStart_FixedOffsets(t *testing.T) {
	store := snapshots.NewMemoryStore()
	w := NewWorker(store, []string{"up"}, 30*time.Millisecond, quietLogger(),
		WithDialer(dialer(map[string]*fakeAPI{"up": {}})),
		WithProbes(1, time.Second, 0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type panickyStore struct{ *snapshots.MemoryStore }

func (panickyStore) SnapshotInWindow(context.Context, time.Time, time.Time) (*snapshots.HealthSnapshot, error) {
	panic("boom")
}

func TestSafeCycle_RecoversPanic(t *testing.T) {
	store := panickyStore{snapshots.NewMemoryStore()}
	w := newTestWorker(store, []string{"up"}, map[string]*fakeAPI{"up": {}}, time.Now())

	assert.NotPanics(t, func() { w.safeCycle(context.Background()) })
}

func TestNextDelay(t *testing.T) {
	w := NewWorker(snapshots.NewMemoryStore(), nil, time.Minute, quietLogger())
	start := time.Now().Add(-5 * time.Minute)
	assert.Equal(t, time.Duration(0), w.nextDelay(start, 2), "overdue offsets fire immediately")

	d := w.nextDelay(time.Now(), 1)
	assert.Greater(t, d, 50*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}
