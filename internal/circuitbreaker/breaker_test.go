package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, open)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("rpc-a")
	b.RecordFailure("rpc-a")
	assert.Equal(t, StateClosed, b.State("rpc-a"), "below threshold")

	b.RecordFailure("rpc-a")
	assert.Equal(t, StateOpen, b.State("rpc-a"))
}

func TestBreaker_HalfOpenAfterWindow(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	b.RecordFailure("rpc-a")
	b.RecordFailure("rpc-a")

	*now = now.Add(59 * time.Second)
	assert.Equal(t, StateOpen, b.State("rpc-a"))

	*now = now.Add(time.Second)
	assert.Equal(t, StateHalfOpen, b.State("rpc-a"))

	b.RecordSuccess("rpc-a")
	assert.Equal(t, StateClosed, b.State("rpc-a"))
}

func TestBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure("rpc-a")

	*now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State("rpc-a"))
	b.RecordFailure("rpc-a")
	assert.Equal(t, StateOpen, b.State("rpc-a"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure("rpc-a")
	b.RecordSuccess("rpc-a")
	b.RecordFailure("rpc-a")
	assert.Equal(t, StateClosed, b.State("rpc-a"))
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, DefaultThreshold, b.threshold)
	assert.Equal(t, DefaultOpenDuration, b.openDuration)
	assert.Equal(t, StateClosed, b.State("unknown"))
	assert.Equal(t, "half_open", StateHalfOpen.String())
}

func TestBreaker_OpenEndpoints(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure("secondary")
	b.RecordFailure("primary")

	assert.Equal(t, []string{"primary", "secondary"},
		b.OpenEndpoints([]string{"primary", "fallback", "secondary"}), "configured order kept")
	assert.Empty(t, b.OpenEndpoints([]string{"fallback"}))

	*now = now.Add(time.Minute)
	assert.Empty(t, b.OpenEndpoints([]string{"primary", "secondary"}), "half-open is not reported as open")
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(5, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("rpc-a")
			} else {
				b.RecordSuccess("rpc-a")
			}
			b.State("rpc-a")
			b.OpenEndpoints([]string{"rpc-a"})
		}(i)
	}
	wg.Wait()
}
