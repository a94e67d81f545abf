package snapshots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []*HealthSnapshot // insertion order
	// ordered holds while every insert's ts is >= the previous one, which is
	// how the health worker writes. Reads then walk from the tail.
	ordered bool
	logs    map[string]*PreflightLog
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ordered: true,
		logs:    make(map[string]*PreflightLog),
	}
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	c := copySnapshot(snap)
	c.TS = truncate(c.TS)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.snapshots); n > 0 && c.TS.Before(s.snapshots[n-1].TS) {
		s.ordered = false
	}
	s.snapshots = append(s.snapshots, c)
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context) (*HealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *HealthSnapshot
	if s.ordered && len(s.snapshots) > 0 {
		latest = s.snapshots[len(s.snapshots)-1]
	} else {
		latest = s.newest(func(*HealthSnapshot) bool { return true })
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(latest), nil
}

func (s *MemoryStore) SnapshotInWindow(ctx context.Context, from, to time.Time) (*HealthSnapshot, error) {
	from, to = truncate(from), truncate(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	match := s.newest(func(snap *HealthSnapshot) bool {
		return !snap.TS.Before(from) && !snap.TS.After(to)
	})
	if match == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(match), nil
}

func (s *MemoryStore) RecentSnapshots(ctx context.Context, n int) ([]*HealthSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.newestFirst(n)

	result := make([]*HealthSnapshot, 0, len(sorted))
	for _, snap := range sorted {
		result = append(result, copySnapshot(snap))
	}
	return result, nil
}

func (s *MemoryStore) InsertPreflightLog(ctx context.Context, l *PreflightLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[l.RunID]; exists {
		return fmt.Errorf("preflight log %s already exists", l.RunID)
	}
	c := *l
	c.ComputedAt = truncate(c.ComputedAt)
	if l.PaymentTx != nil {
		p := *l.PaymentTx
		c.PaymentTx = &p
	}
	s.logs[l.RunID] = &c
	return nil
}

func (s *MemoryStore) GetPreflightLog(ctx context.Context, runID string) (*PreflightLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

// Len reports the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// newestFirst returns up to n snapshots ordered by ts descending, later
// inserts first on ties. Caller holds the lock.
func (s *MemoryStore) newestFirst(n int) []*HealthSnapshot {
	if s.ordered {
		out := make([]*HealthSnapshot, 0, min(n, len(s.snapshots)))
		for i := len(s.snapshots) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, s.snapshots[i])
		}
		return out
	}

	// Reverse insertion order so the stable sort breaks ties toward the
	// later insert.
	sorted := make([]*HealthSnapshot, len(s.snapshots))
	for i, snap := range s.snapshots {
		sorted[len(sorted)-1-i] = snap
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TS.After(sorted[j].TS)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// newest returns the matching snapshot with the greatest timestamp; ties go
// to the later insert. Caller holds the lock.
func (s *MemoryStore) newest(match func(*HealthSnapshot) bool) *HealthSnapshot {
	var best *HealthSnapshot
	for _, snap := range s.snapshots {
		if !match(snap) {
			continue
		}
		if best == nil || !snap.TS.Before(best.TS) {
			best = snap
		}
	}
	return best
}
