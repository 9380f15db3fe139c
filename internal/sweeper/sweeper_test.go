package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

func newSweeper(t *testing.T) (*Sweeper, *store.Memory, *nonce.Memory, *fraud.CrossTracker) {
	t.Helper()
	cfg := config.Default()
	cfg.VDF.Difficulty = 20
	policy := config.NewStaticManager(cfg)

	mem := store.NewMemory()
	nonces := nonce.NewMemory(10 * time.Minute)
	healer := trust.NewHealer(policy, mem, nil)
	cross := fraud.NewCrossTracker(mem)
	chain := vdf.NewChain(policy, mem, nil)
	require.NoError(t, chain.EnsureGenesis(context.Background()))

	return New(policy, mem, nonces, healer, cross, chain, nil, time.Second), mem, nonces, cross
}

func TestTick_SweepsExpiredState(t *testing.T) {
	s, mem, nonces, _ := newSweeper(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := nonces.Remember(ctx, "R1", "old", start)
	require.NoError(t, err)
	require.NoError(t, mem.UpsertSuspicion(ctx, &core.TagSuspicion{
		TagHash:        "tag-1",
		SourceReaderID: "R1",
		Multiplier:     1.5,
		ExpiresAt:      start.Add(time.Minute),
	}))

	s.Tick(ctx, start.Add(11*time.Minute))

	seen, err := nonces.Seen(ctx, "R1", "old", start.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, seen)

	m, err := mem.MaxSuspicion(ctx, "tag-1", start.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)
}

func TestTick_ReconcilesUnchainedDecisions(t *testing.T) {
	s, mem, _, _ := newSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
		EventID:   "ev-1",
		ReaderID:  "R1",
		TagHash:   "tag-1",
		Timestamp: now.Unix(),
		Decision:  core.DecisionAllow,
		CreatedAt: now,
	}))

	s.Tick(ctx, now)

	link, err := mem.GetLinkByEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link.Seq)
}

func TestTick_RefreshesCrossStats(t *testing.T) {
	s, mem, _, cross := newSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"R1", "R2", "R3"} {
		require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
			EventID:   "ev-" + id,
			ReaderID:  id,
			TagHash:   "tag-1",
			Timestamp: now.Unix(),
			Decision:  core.DecisionAllow,
			CreatedAt: now,
		}))
	}

	s.Tick(ctx, now)

	stats := cross.Snapshot()
	assert.Equal(t, now, stats.RefreshedAt)
	assert.Len(t, stats.Counts, 3)
}

func TestTick_RespectsTaskIntervals(t *testing.T) {
	s, mem, _, cross := newSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Tick(ctx, now)
	first := cross.Snapshot().RefreshedAt

	// A tick inside the refresh interval keeps the old snapshot.
	require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
		EventID: "ev-late", ReaderID: "R9", TagHash: "tag-1",
		Timestamp: now.Unix(), Decision: core.DecisionAllow, CreatedAt: now,
	}))
	s.Tick(ctx, now.Add(10*time.Second))
	assert.Equal(t, first, cross.Snapshot().RefreshedAt)

	s.Tick(ctx, now.Add(2*time.Minute))
	assert.NotEqual(t, first, cross.Snapshot().RefreshedAt)
}
