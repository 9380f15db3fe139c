package vdf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
)

func testPolicy() *config.Manager {
	cfg := config.Default()
	cfg.VDF.Difficulty = 50 // keep tests fast
	return config.NewStaticManager(cfg)
}

func newChain(t *testing.T) (*Chain, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	c := NewChain(testPolicy(), mem, nil)
	require.NoError(t, c.EnsureGenesis(context.Background()))
	return c, mem
}

func appendEvents(t *testing.T, c *Chain, mem *store.Memory, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		d := &core.DecisionRecord{
			EventID:   fmt.Sprintf("ev-%d", i),
			ReaderID:  "R1",
			TagHash:   "tag-1",
			Timestamp: base.Add(time.Duration(i) * time.Second).Unix(),
			Decision:  core.DecisionAllow,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, mem.AppendDecision(ctx, d))
		_, err := c.AppendDecision(ctx, d)
		require.NoError(t, err)
	}
}

func TestEnsureGenesis_SeedsChain(t *testing.T) {
	c, mem := newChain(t)
	ctx := context.Background()

	head, err := mem.HeadLink(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Seq)
	assert.Equal(t, GenesisOutput("HTMS_VDF_GENESIS_2026"), head.VdfOutput)
	assert.Equal(t, ZeroOutput, head.PrevOutput)

	// Idempotent on restart.
	require.NoError(t, c.EnsureGenesis(ctx))
	n, err := mem.CountLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendDecision_LinksToGenesis(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 1)

	link, err := mem.GetLink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, GenesisOutput("HTMS_VDF_GENESIS_2026"), link.PrevOutput)
	assert.Equal(t, "ev-1", link.EventID)
	assert.True(t, Verify(link.VdfInput, link.VdfOutput, link.Checkpoints, link.Difficulty, 10))
}

func TestAppendDecision_Idempotent(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 1)
	ctx := context.Background()

	d, err := mem.GetDecision(ctx, "ev-1")
	require.NoError(t, err)
	link, err := c.AppendDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link.Seq)

	n, err := mem.CountLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n) // genesis + one event
}

func TestVerifyChain_CleanChainIsValid(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 6, report.ChainLength)
}

func TestVerifyChain_TamperedOutputAtSeq3(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	require.True(t, mem.MutateLink(3, func(l *core.VdfLink) {
		l.VdfOutput = flipHex(l.VdfOutput)
	}))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstBrokenSeq)
	assert.Equal(t, uint64(3), *report.FirstBrokenSeq)
	assert.Equal(t, ClassVdfMismatch, report.Class)

	// The prefix before the tamper still verifies.
	prefix, err := c.VerifyRange(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.True(t, prefix.Valid)
}

func TestVerifyChain_BrokenPrevPointer(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	require.True(t, mem.MutateLink(4, func(l *core.VdfLink) {
		l.PrevOutput = flipHex(l.PrevOutput)
	}))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(4), *report.FirstBrokenSeq)
	assert.Equal(t, ClassPrevBroken, report.Class)
}

func TestVerifyChain_DroppedLinkIsSeqGap(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	require.True(t, mem.DropLink(3))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(3), *report.FirstBrokenSeq)
	assert.Equal(t, ClassSeqGap, report.Class)
}

func TestVerifyChain_ForgedEventIsInputMismatch(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	// Swap in a different event identity without recomputing the input.
	require.True(t, mem.MutateLink(2, func(l *core.VdfLink) {
		l.EventID = "ev-forged"
	}))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(2), *report.FirstBrokenSeq)
	assert.Equal(t, ClassInputMismatch, report.Class)
}

func TestVerifyChain_DeletedDecisionRow(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 5)

	// The chain still verifies structurally, but link 3 now points at a
	// decision that no longer exists.
	require.True(t, mem.DropDecision("ev-3"))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstBrokenSeq)
	assert.Equal(t, uint64(3), *report.FirstBrokenSeq)
	assert.Equal(t, ClassDeleted, report.Class)
}

func TestVerifyChain_UnreferencedDecisionIsInserted(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 2)
	ctx := context.Background()

	// An unchained decision well past the reconcile horizon means its
	// link was removed from the chain.
	require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
		EventID:   "ev-orphan",
		ReaderID:  "R1",
		TagHash:   "tag-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Decision:  core.DecisionAllow,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	report, err := c.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Nil(t, report.FirstBrokenSeq)
	assert.Equal(t, ClassInserted, report.Class)
}

func TestVerifyChain_RecentUnchainedDecisionIsNotTamper(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 2)
	ctx := context.Background()

	// Freshly logged decisions are still waiting on the append worker.
	require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
		EventID:   "ev-fresh",
		ReaderID:  "R1",
		TagHash:   "tag-1",
		Timestamp: time.Now().Unix(),
		Decision:  core.DecisionAllow,
		CreatedAt: time.Now().UTC(),
	}))

	report, err := c.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestVerifyChain_TamperedGenesis(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 2)

	require.True(t, mem.MutateLink(0, func(l *core.VdfLink) {
		l.VdfOutput = flipHex(l.VdfOutput)
	}))

	report, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(0), *report.FirstBrokenSeq)
	assert.Equal(t, ClassGenesisBroken, report.Class)
}

func TestVerifyEvent_SingleEventCheck(t *testing.T) {
	c, mem := newChain(t)
	appendEvents(t, c, mem, 3)
	ctx := context.Background()

	link, ok, err := c.VerifyEvent(ctx, "ev-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), link.Seq)

	require.True(t, mem.MutateLink(2, func(l *core.VdfLink) {
		l.VdfOutput = flipHex(l.VdfOutput)
	}))
	_, ok, err = c.VerifyEvent(ctx, "ev-2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.VerifyEvent(ctx, "ev-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile_ChainsUnchainedDecisions(t *testing.T) {
	c, mem := newChain(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Decisions persisted but never enqueued (e.g. crash before append).
	for i := 1; i <= 3; i++ {
		require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
			EventID:   fmt.Sprintf("ev-%d", i),
			ReaderID:  "R1",
			TagHash:   "tag-1",
			Timestamp: base.Add(time.Duration(i) * time.Second).Unix(),
			Decision:  core.DecisionAllow,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	report, err := c.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	// Converged: a second pass finds nothing.
	n, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnqueue_WorkerDrainsQueue(t *testing.T) {
	c, mem := newChain(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		d := &core.DecisionRecord{
			EventID:   fmt.Sprintf("ev-%d", i),
			ReaderID:  "R1",
			TagHash:   "tag-1",
			Timestamp: base.Unix(),
			Decision:  core.DecisionAllow,
			CreatedAt: base,
		}
		require.NoError(t, mem.AppendDecision(ctx, d))
		c.Enqueue(d)
	}

	require.Eventually(t, func() bool {
		n, err := mem.CountLinks(context.Background())
		return err == nil && n == 4
	}, 5*time.Second, 10*time.Millisecond)
}
