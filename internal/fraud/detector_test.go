package fraud

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

type fixedScorer struct {
	s   Scores
	err error
}

func (f fixedScorer) Score(ctx context.Context, _ Features) (Scores, error) {
	return f.s, f.err
}

func fptr(v float64) *float64 { return &v }

func newDetector(t *testing.T, scorer Scorer) (*Detector, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mgr := config.NewStaticManager(config.Default())
	return NewDetector(mgr, scorer, NewCrossTracker(mem), mem), mem
}

func activeReader() *core.Reader {
	return &core.Reader{ReaderID: "reader-1", TrustScore: 90, Status: core.StatusActive}
}

func carCard() *core.Card {
	return &core.Card{TagHash: "tag-1", Balance: 500, VehicleType: "CAR"}
}

func TestDetect_CleanEventAllows(t *testing.T) {
	d, _ := newDetector(t, NullScorer{})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 120, activeReader(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, core.DecisionAllow, res.Decision)
	assert.Empty(t, res.RuleFlags)
	assert.Empty(t, res.Violation)
}

func TestDetect_NonPositiveAmountBlocks(t *testing.T) {
	d, _ := newDetector(t, NullScorer{})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 0, activeReader(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, core.DecisionBlock, res.Decision)
	assert.Contains(t, res.ReasonCodes, FlagNonPositiveAmount)
	assert.Equal(t, core.ViolationFraudRule, res.Violation)
}

func TestDetect_DuplicateScanBlocks(t *testing.T) {
	d, _ := newDetector(t, NullScorer{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	card := carCard()
	card.LastSeen = now.Add(-30 * time.Second)

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		card, 120, activeReader(), now)
	require.NoError(t, err)

	assert.Equal(t, core.DecisionBlock, res.Decision)
	assert.Contains(t, res.ReasonCodes, FlagDuplicateScan)

	// Outside the window the same scan is clean.
	card.LastSeen = now.Add(-61 * time.Second)
	res, err = d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		card, 120, activeReader(), now)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, res.Decision)
}

func TestDetect_TypeCeilingFlagsButAllowsForActiveReader(t *testing.T) {
	d, _ := newDetector(t, NullScorer{})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 450, activeReader(), time.Now())
	require.NoError(t, err)

	// Non-critical flag alone does not block an ACTIVE reader.
	assert.Equal(t, core.DecisionAllow, res.Decision)
	assert.Contains(t, res.RuleFlags, FlagTypeTariffMismatch)
}

func TestDetect_DegradedReaderBlocksOnAnyFlag(t *testing.T) {
	d, _ := newDetector(t, NullScorer{})
	reader := activeReader()
	reader.Status = core.StatusDegraded
	reader.TrustScore = 50

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 450, reader, time.Now())
	require.NoError(t, err)

	assert.Equal(t, core.DecisionBlock, res.Decision)
	assert.Contains(t, res.ReasonCodes, "DEGRADED_READER")
	assert.Equal(t, core.ViolationFraudRule, res.Violation)
}

func TestDetect_MLConsensusBlocks(t *testing.T) {
	d, _ := newDetector(t, fixedScorer{s: Scores{ModelA: fptr(0.8), ModelB: fptr(0.75), IsoFlag: 1}})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 120, activeReader(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, core.DecisionBlock, res.Decision)
	assert.Contains(t, res.ReasonCodes, "ML_CONSENSUS")
	assert.Equal(t, core.ViolationFraudML, res.Violation)
}

func TestDetect_MLWithoutIsoFlagAllows(t *testing.T) {
	d, _ := newDetector(t, fixedScorer{s: Scores{ModelA: fptr(0.9), ModelB: fptr(0.9), IsoFlag: 0}})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 120, activeReader(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, res.Decision)
}

func TestDetect_ScorerFailureIsNeutral(t *testing.T) {
	d, _ := newDetector(t, fixedScorer{err: context.DeadlineExceeded})

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 120, activeReader(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, core.DecisionAllow, res.Decision)
	assert.Nil(t, res.Scores.ModelA)
	assert.Nil(t, res.Scores.ModelB)
}

func TestDetect_SuspiciousTagLowersThreshold(t *testing.T) {
	// 0.55 is below the 0.7 threshold normally, but a 1.5x suspicion
	// multiplier drops the effective threshold to ~0.47.
	d, mem := newDetector(t, fixedScorer{s: Scores{ModelA: fptr(0.55), ModelB: fptr(0.55), IsoFlag: 1}})
	now := time.Now()

	require.NoError(t, mem.UpsertSuspicion(context.Background(), &core.TagSuspicion{
		TagHash:        "tag-1",
		SourceReaderID: "reader-9",
		Multiplier:     1.5,
		ExpiresAt:      now.Add(30 * time.Minute),
	}))

	res, err := d.Detect(context.Background(), &core.TollEvent{ReaderID: "reader-1", TagHash: "tag-1"},
		carCard(), 120, activeReader(), now)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, res.Decision)
}

func TestCrossTracker_OutlierDetection(t *testing.T) {
	mem := store.NewMemory()
	tracker := NewCrossTracker(mem)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// reader-1: 20 decisions, reader-2 and reader-3: 2 each.
	seed := func(reader string, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, mem.AppendDecision(ctx, &core.DecisionRecord{
				EventID:   fmt.Sprintf("%s-ev-%d", reader, i),
				ReaderID:  reader,
				TagHash:   "tag-x",
				Decision:  core.DecisionAllow,
				CreatedAt: now.Add(-time.Minute),
			}))
		}
	}
	seed("reader-1", 20)
	seed("reader-2", 2)
	seed("reader-3", 2)

	require.NoError(t, tracker.Refresh(ctx, 10*time.Minute, now))
	snap := tracker.Snapshot()

	assert.True(t, snap.IsOutlier("reader-1", 3))
	assert.False(t, snap.IsOutlier("reader-2", 3))
}

func TestCrossTracker_NoBaselineNoOutlier(t *testing.T) {
	mem := store.NewMemory()
	tracker := NewCrossTracker(mem)

	// Empty snapshot: nothing to compare against.
	assert.False(t, tracker.Snapshot().IsOutlier("reader-1", 3))
}

func TestSelectScorer_Modes(t *testing.T) {
	assert.IsType(t, NullScorer{}, SelectScorer(config.FraudConfig{ScorerMode: "null"}))
	assert.IsType(t, MockScorer{}, SelectScorer(config.FraudConfig{ScorerMode: "mock"}))
	assert.IsType(t, &HTTPScorer{}, SelectScorer(config.FraudConfig{ScorerMode: "real", ScorerURL: "http://model:9000/score"}))
}
