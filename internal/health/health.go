// Package health provides a registry of named subsystem health checkers and
// the checkers the preflight server registers: store reachability, worker
// liveness, snapshot freshness and RPC endpoint circuits.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/preflight/internal/snapshots"
)

// DefaultCheckTimeout bounds each checker run by CheckAll.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers in registration order and returns the
// aggregate health plus individual results. A result without a name takes
// the registered one.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// PingChecker reports a backing store as healthy when Ping succeeds.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// WorkerChecker reports the health worker's loop state.
func WorkerChecker(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: "worker", Detail: "not running"}
		}
		return Status{Name: "worker", Healthy: true}
	}
}

// SnapshotChecker reports whether the newest health snapshot is younger than
// staleAfter.
func SnapshotChecker(store snapshots.Store, staleAfter time.Duration, now func() time.Time) Checker {
	return func(ctx context.Context) Status {
		snap, err := store.LatestSnapshot(ctx)
		if errors.Is(err, snapshots.ErrNotFound) {
			return Status{Name: "snapshot", Detail: "no snapshot yet"}
		}
		if err != nil {
			return Status{Name: "snapshot", Detail: err.Error()}
		}
		age := snap.Age(now()).Truncate(time.Second)
		if age > staleAfter {
			return Status{Name: "snapshot", Detail: fmt.Sprintf("stale: %s old, limit %s", age, staleAfter)}
		}
		return Status{Name: "snapshot", Healthy: true, Detail: fmt.Sprintf("%s old", age)}
	}
}

// CircuitChecker reports RPC endpoints whose circuit breaker is open. open
// returns them in configured order.
func CircuitChecker(open func() []string) Checker {
	return func(context.Context) Status {
		if urls := open(); len(urls) > 0 {
			return Status{Name: "rpc_circuits", Detail: "open: " + strings.Join(urls, ", ")}
		}
		return Status{Name: "rpc_circuits", Healthy: true}
	}
}
