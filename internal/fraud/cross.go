package fraud

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/htms/backend/internal/store"
)

// Stats is an immutable snapshot of per-reader transaction counts over
// the cross-reader window. Readers of the snapshot never block the
// refresher.
type Stats struct {
	Counts      map[string]int
	RefreshedAt time.Time
}

// CrossTracker maintains the cross-reader outlier snapshot.
type CrossTracker struct {
	decisions store.DecisionStore
	snapshot  atomic.Value // *Stats
}

func NewCrossTracker(decisions store.DecisionStore) *CrossTracker {
	t := &CrossTracker{decisions: decisions}
	t.snapshot.Store(&Stats{Counts: map[string]int{}})
	return t
}

// Refresh recomputes the snapshot from the decision log.
func (t *CrossTracker) Refresh(ctx context.Context, window time.Duration, now time.Time) error {
	counts, err := t.decisions.CountDecisionsByReaderSince(ctx, now.Add(-window))
	if err != nil {
		return err
	}
	t.snapshot.Store(&Stats{Counts: counts, RefreshedAt: now})
	return nil
}

// Snapshot returns the current immutable stats.
func (t *CrossTracker) Snapshot() *Stats {
	return t.snapshot.Load().(*Stats)
}

// IsOutlier reports whether the reader's count exceeds multiplier times
// the mean of its peers. With fewer than two peers there is no baseline
// and nothing is flagged.
func (s *Stats) IsOutlier(readerID string, multiplier float64) bool {
	own := s.Counts[readerID]
	peerSum, peers := 0, 0
	for id, n := range s.Counts {
		if id == readerID {
			continue
		}
		peerSum += n
		peers++
	}
	if peers < 2 || peerSum == 0 {
		return false
	}
	mean := float64(peerSum) / float64(peers)
	return float64(own) > multiplier*mean
}
