package vdf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/store"
)

// Tamper classes reported by chain verification. INSERTED and DELETED
// come from cross-checking links against the decision log: DELETED is a
// link whose decision row is gone, INSERTED is a decision past the
// reconcile horizon that no link references. SEQ_GAP and INPUT_MISMATCH
// are the purely structural breaks.
const (
	ClassVdfMismatch   = "VDF_MISMATCH"
	ClassPrevBroken    = "PREV_POINTER_BROKEN"
	ClassInserted      = "INSERTED"
	ClassDeleted       = "DELETED"
	ClassReordered     = "REORDERED"
	ClassSeqGap        = "SEQ_GAP"
	ClassInputMismatch = "INPUT_MISMATCH"
	ClassGenesisBroken = "GENESIS_BROKEN"
)

// GenesisEventID marks the synthetic first link.
const GenesisEventID = "GENESIS"

// VerifyReport is the outcome of a chain verification pass.
type VerifyReport struct {
	Valid          bool    `json:"valid"`
	ChainLength    int     `json:"chain_length"`
	FirstBrokenSeq *uint64 `json:"first_broken_seq,omitempty"`
	Class          string  `json:"class,omitempty"`
}

// Chain owns the single append point of the VDF chain. Appends are
// serialized by the head mutex; event handlers enqueue to a bounded
// queue drained by the worker pool so ingest never blocks on the VDF.
type Chain struct {
	policy  *config.Manager
	store   store.Store
	metrics *metrics.Metrics
	logger  *log.Logger

	headMu sync.Mutex
	queue  chan *core.DecisionRecord
}

func NewChain(policy *config.Manager, st store.Store, m *metrics.Metrics) *Chain {
	return &Chain{
		policy:  policy,
		store:   st,
		metrics: m,
		logger:  log.New(log.Writer(), "[VDF] ", log.LstdFlags),
		queue:   make(chan *core.DecisionRecord, policy.Get().VDF.QueueDepth),
	}
}

// EnsureGenesis appends the seq-0 link on first start.
func (c *Chain) EnsureGenesis(ctx context.Context) error {
	c.headMu.Lock()
	defer c.headMu.Unlock()

	n, err := c.store.CountLinks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	cfg := c.policy.Get().VDF
	link := &core.VdfLink{
		Seq:        0,
		EventID:    GenesisEventID,
		PrevOutput: ZeroOutput,
		VdfOutput:  GenesisOutput(cfg.GenesisSeed),
		Difficulty: cfg.Difficulty,
		ComputedAt: time.Now().UTC(),
	}
	if err := c.store.AppendLink(ctx, link); err != nil {
		return fmt.Errorf("append genesis link: %w", err)
	}
	c.logger.Printf("genesis link created (output %s…)", link.VdfOutput[:12])
	return nil
}

// ErrChainNotEmpty guards genesis reseeding.
var ErrChainNotEmpty = errors.New("vdf chain is not empty")

// Reseed installs a new genesis seed and writes the genesis link. Only
// legal while the chain is empty; reseeding under a live chain would
// orphan every existing link.
func (c *Chain) Reseed(ctx context.Context, seed string) (*core.VdfLink, error) {
	c.headMu.Lock()
	defer c.headMu.Unlock()

	n, err := c.store.CountLinks(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrChainNotEmpty
	}

	cfg := *c.policy.Get()
	cfg.VDF.GenesisSeed = seed
	c.policy.Swap(&cfg)

	link := &core.VdfLink{
		Seq:        0,
		EventID:    GenesisEventID,
		PrevOutput: ZeroOutput,
		VdfOutput:  GenesisOutput(seed),
		Difficulty: cfg.VDF.Difficulty,
		ComputedAt: time.Now().UTC(),
	}
	if err := c.store.AppendLink(ctx, link); err != nil {
		return nil, fmt.Errorf("append genesis link: %w", err)
	}
	c.logger.Printf("genesis reseeded (output %s…)", link.VdfOutput[:12])
	return link, nil
}

// Enqueue schedules a decision for chaining. A full queue is logged and
// skipped; the reconciliation pass picks the decision up later.
func (c *Chain) Enqueue(d *core.DecisionRecord) {
	select {
	case c.queue <- d:
	default:
		c.logger.Printf("⚠️ vdf queue full, deferring event %s to reconciliation", d.EventID)
	}
	c.metrics.SetVdfQueueDepth(len(c.queue))
}

// Run drains the queue with the configured worker pool until the context
// is cancelled. Pending entries are recovered by Reconcile on restart.
func (c *Chain) Run(ctx context.Context) {
	workers := c.policy.Get().VDF.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-c.queue:
					if _, err := c.AppendDecision(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
						c.logger.Printf("append for event %s failed: %v", d.EventID, err)
					}
					c.metrics.SetVdfQueueDepth(len(c.queue))
				}
			}
		}()
	}
	wg.Wait()
}

// AppendDecision chains one decision. Idempotent: a decision already
// chained returns its existing link.
func (c *Chain) AppendDecision(ctx context.Context, d *core.DecisionRecord) (*core.VdfLink, error) {
	c.headMu.Lock()
	defer c.headMu.Unlock()

	if existing, err := c.store.GetLinkByEvent(ctx, d.EventID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	head, err := c.store.HeadLink(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	cfg := c.policy.Get().VDF
	input := LinkInput(head.VdfOutput, d.EventID, d.ReaderID, d.Timestamp)

	started := time.Now()
	output, checkpoints, err := Compute(input, cfg.Difficulty, cfg.CheckpointGranularity)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveVdf(time.Since(started).Seconds())

	link := &core.VdfLink{
		Seq:         head.Seq + 1,
		EventID:     d.EventID,
		ReaderID:    d.ReaderID,
		Timestamp:   d.Timestamp,
		PrevOutput:  head.VdfOutput,
		VdfInput:    input,
		VdfOutput:   output,
		Checkpoints: checkpoints,
		Difficulty:  cfg.Difficulty,
		ComputedAt:  time.Now().UTC(),
	}
	if err := c.store.AppendLink(ctx, link); err != nil {
		return nil, fmt.Errorf("append link seq %d: %w", link.Seq, err)
	}
	c.metrics.SetChainHeight(link.Seq)
	return link, nil
}

// Reconcile chains any decision that has no link yet, in append order.
// Run at startup and periodically; convergence restores the one-link-
// per-decision invariant after crashes or queue overflow.
func (c *Chain) Reconcile(ctx context.Context) (int, error) {
	pending, err := c.store.ListUnchainedDecisions(ctx, 0)
	if err != nil {
		return 0, err
	}
	for i, d := range pending {
		if _, err := c.AppendDecision(ctx, d); err != nil {
			return i, err
		}
	}
	if len(pending) > 0 {
		c.logger.Printf("reconciled %d unchained decisions", len(pending))
	}
	return len(pending), nil
}

// VerifyChain walks the whole chain and reports the first break. On a
// structurally valid chain it additionally cross-checks the decision
// log: a decision that is still unchained past the reconcile horizon
// means the link that covered it was removed.
func (c *Chain) VerifyChain(ctx context.Context) (*VerifyReport, error) {
	head, err := c.store.HeadLink(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &VerifyReport{Valid: true}, nil
	}
	if err != nil {
		return nil, err
	}

	report, err := c.VerifyRange(ctx, 0, head.Seq)
	if err != nil || !report.Valid {
		return report, err
	}

	unchained, err := c.store.ListUnchainedDecisions(ctx, 0)
	if err != nil {
		return nil, err
	}
	horizon := time.Now().UTC().Add(-c.policy.Get().VDF.ReconcileInterval())
	for _, d := range unchained {
		if d.CreatedAt.Before(horizon) {
			report.Valid = false
			report.Class = ClassInserted
			break
		}
	}
	return report, nil
}

// VerifyRange verifies links [from, to] inclusive.
func (c *Chain) VerifyRange(ctx context.Context, from, to uint64) (*VerifyReport, error) {
	cfg := c.policy.Get().VDF

	links, err := c.store.ListLinks(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{Valid: true, ChainLength: len(links)}

	broken := func(seq uint64, class string) (*VerifyReport, error) {
		report.Valid = false
		report.FirstBrokenSeq = &seq
		report.Class = class
		return report, nil
	}

	var prev *core.VdfLink
	expected := from
	for _, link := range links {
		if link.Seq > expected {
			return broken(expected, ClassSeqGap)
		}
		if link.Seq < expected {
			return broken(link.Seq, ClassReordered)
		}

		if link.Seq == 0 {
			if link.VdfOutput != GenesisOutput(cfg.GenesisSeed) || link.PrevOutput != ZeroOutput {
				return broken(0, ClassGenesisBroken)
			}
		} else if prev != nil {
			if link.PrevOutput != prev.VdfOutput {
				return broken(link.Seq, ClassPrevBroken)
			}
			if link.VdfInput != LinkInput(prev.VdfOutput, link.EventID, link.ReaderID, link.Timestamp) {
				return broken(link.Seq, ClassInputMismatch)
			}
			// A link must still be backed by its decision row.
			if _, err := c.store.GetDecision(ctx, link.EventID); errors.Is(err, store.ErrNotFound) {
				return broken(link.Seq, ClassDeleted)
			} else if err != nil {
				return nil, err
			}
			if prev.Timestamp-link.Timestamp > cfg.ReorderToleranceSeconds {
				return broken(link.Seq, ClassReordered)
			}
			if !Verify(link.VdfInput, link.VdfOutput, link.Checkpoints, link.Difficulty, cfg.CheckpointGranularity) {
				return broken(link.Seq, ClassVdfMismatch)
			}
		}
		prev = link
		expected = link.Seq + 1
	}
	return report, nil
}

// VerifyEvent is the constant-cost single-event check: prev pointer,
// input derivation and the final VDF segment from the stored checkpoints.
func (c *Chain) VerifyEvent(ctx context.Context, eventID string) (*core.VdfLink, bool, error) {
	cfg := c.policy.Get().VDF

	link, err := c.store.GetLinkByEvent(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	if link.Seq == 0 {
		ok := link.VdfOutput == GenesisOutput(cfg.GenesisSeed)
		return link, ok, nil
	}

	prev, err := c.store.GetLink(ctx, link.Seq-1)
	if err != nil {
		return link, false, err
	}
	if link.PrevOutput != prev.VdfOutput {
		return link, false, nil
	}
	if link.VdfInput != LinkInput(prev.VdfOutput, link.EventID, link.ReaderID, link.Timestamp) {
		return link, false, nil
	}
	ok := VerifyTail(link.VdfInput, link.VdfOutput, link.Checkpoints, link.Difficulty, cfg.CheckpointGranularity)
	return link, ok, nil
}

// Head returns the current chain head.
func (c *Chain) Head(ctx context.Context) (*core.VdfLink, error) {
	return c.store.HeadLink(ctx)
}

// QueueDepth reports the pending append backlog.
func (c *Chain) QueueDepth() int { return len(c.queue) }
