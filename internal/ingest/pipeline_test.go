package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/decision"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

func newPipeline(t *testing.T) (*Pipeline, *store.Memory, *config.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.VDF.Difficulty = 50
	cfg.VDF.ResponseAwaitsVDF = true
	policy := config.NewStaticManager(cfg)

	mem := store.NewMemory()
	reg := registry.New(mem, cfg.Ingest.RatePerMinute, cfg.Ingest.Burst)
	verifier := NewVerifier(policy, reg, nonce.NewMemory(cfg.Ingest.NonceRetention()))
	detector := fraud.NewDetector(policy, fraud.NullScorer{}, nil, mem)
	engine := trust.NewEngine(policy, mem, nil)
	decisions := decision.NewLogger(mem, nil)
	chain := vdf.NewChain(policy, mem, nil)

	ctx := context.Background()
	require.NoError(t, chain.EnsureGenesis(ctx))
	_, err := reg.Register(ctx, "R1", testSecret, time.Now().UTC())
	require.NoError(t, err)

	return NewPipeline(policy, reg, verifier, detector, engine, decisions, chain, mem, nil), mem, policy
}

func seedCard(t *testing.T, mem *store.Memory, balance float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.UpsertCard(ctx, &core.Card{
		TagHash:     "tag-1",
		Balance:     balance,
		VehicleType: "CAR",
		TariffClass: "STANDARD",
	}))
	require.NoError(t, mem.UpsertTariff(ctx, &core.Tariff{VehicleType: "CAR", Amount: 50}))
}

func TestProcess_AllowDeductsAndChains(t *testing.T) {
	p, mem, policy := newPipeline(t)
	seedCard(t, mem, 500)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	resp, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, resp)

	assert.Equal(t, core.DecisionAllow, resp.Decision)
	assert.Empty(t, resp.ReasonCodes)
	assert.Equal(t, 100, resp.TrustScore)

	card, err := mem.GetCard(ctx, "tag-1")
	require.NoError(t, err)
	assert.InDelta(t, 450, card.Balance, 0.001)
	assert.Equal(t, now, card.LastSeen)

	d, err := mem.GetDecision(ctx, resp.EventID)
	require.NoError(t, err)
	assert.InDelta(t, 50, d.Amount, 0.001)

	// The decision is chained at seq 1 on the genesis output.
	require.NotNil(t, resp.VdfSeq)
	assert.Equal(t, uint64(1), *resp.VdfSeq)
	link, err := mem.GetLinkByEvent(ctx, resp.EventID)
	require.NoError(t, err)
	assert.Equal(t, vdf.GenesisOutput(policy.Get().VDF.GenesisSeed), link.PrevOutput)
}

func TestProcess_BadSignaturePenalizesReader(t *testing.T) {
	p, mem, _ := newPipeline(t)
	seedCard(t, mem, 500)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := signedEvent("n1", now)
	ev.Signature = "deadbeef"

	resp, rej, err := p.Process(ctx, ev, now)
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, rej)
	assert.Equal(t, RejectBadSignature, rej.Code)

	r, err := mem.GetReader(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 60, r.TrustScore)
	assert.Equal(t, core.StatusDegraded, r.Status)
	assert.Equal(t, 1, r.AuthFailures)
}

func TestProcess_ReplayQuarantinesReader(t *testing.T) {
	p, mem, _ := newPipeline(t)
	seedCard(t, mem, 500)
	ctx := context.Background()
	now := time.Now().UTC()

	_, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)

	_, rej, err = p.Process(ctx, signedEvent("n1", now), now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, RejectReplay, rej.Code)

	r, err := mem.GetReader(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQuarantined, r.Status)
	assert.Equal(t, 1, r.ReplayAttempts)
}

func TestProcess_UnknownTagBlocks(t *testing.T) {
	p, mem, _ := newPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	resp, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, resp)

	assert.Equal(t, core.DecisionBlock, resp.Decision)
	assert.Equal(t, []string{ReasonUnknownTag}, resp.ReasonCodes)

	// No penalty for a card problem.
	r, err := mem.GetReader(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 100, r.TrustScore)
}

func TestProcess_InsufficientBalanceBlocks(t *testing.T) {
	p, mem, _ := newPipeline(t)
	seedCard(t, mem, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	resp, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, resp)

	assert.Equal(t, core.DecisionBlock, resp.Decision)
	assert.Contains(t, resp.ReasonCodes, ReasonInsufficientBalance)

	card, err := mem.GetCard(ctx, "tag-1")
	require.NoError(t, err)
	assert.InDelta(t, 10, card.Balance, 0.001)
}

func TestProcess_NegativeBalanceIsManipulation(t *testing.T) {
	p, mem, _ := newPipeline(t)
	seedCard(t, mem, -5)
	ctx := context.Background()
	now := time.Now().UTC()

	resp, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, resp)

	assert.Equal(t, core.DecisionBlock, resp.Decision)
	assert.Equal(t, []string{ReasonBalanceManipulation}, resp.ReasonCodes)

	// Balance manipulation quarantines on first sight.
	r, err := mem.GetReader(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQuarantined, r.Status)
	assert.Equal(t, 60, r.TrustScore)
}

func TestProcess_DuplicateScanBlocksSecondPass(t *testing.T) {
	p, mem, _ := newPipeline(t)
	seedCard(t, mem, 500)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	resp, _, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAllow, resp.Decision)

	// Same tag again inside the duplicate window.
	later := now.Add(30 * time.Second)
	resp, _, err = p.Process(ctx, signedEvent("n2", later), later)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, resp.Decision)
	assert.Contains(t, resp.ReasonCodes, "DUPLICATE_SCAN_WINDOW")

	// The blocked pass deducted nothing.
	card, err := mem.GetCard(ctx, "tag-1")
	require.NoError(t, err)
	assert.InDelta(t, 450, card.Balance, 0.001)
}

func TestProcess_AsyncChainDefersLink(t *testing.T) {
	p, mem, policy := newPipeline(t)
	cfg := *policy.Get()
	cfg.VDF.ResponseAwaitsVDF = false
	policy.Swap(&cfg)

	seedCard(t, mem, 500)
	ctx := context.Background()
	now := time.Now().UTC()

	resp, rej, err := p.Process(ctx, signedEvent("n1", now), now)
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, resp)
	assert.Nil(t, resp.VdfSeq)

	// The link lands once a worker (here: the reconciler) runs.
	n, err := p.chain.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = mem.GetLinkByEvent(ctx, resp.EventID)
	assert.NoError(t, err)
}
