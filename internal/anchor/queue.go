package anchor

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/store"
)

// Queue is the single anchoring worker. It cuts anchors when a full
// batch of links accumulates or the oldest unanchored link exceeds the
// max delay, and pushes PENDING anchors to the ledger with exponential
// backoff and full jitter. A transient submission error keeps the
// anchor PENDING for the next backoff window; a permanent rejection
// parks it as FAILED until an operator retries it. Anchors are never
// dropped; a deep backlog only warns.
type Queue struct {
	policy  *config.Manager
	store   store.Store
	client  LedgerClient
	metrics *metrics.Metrics
	logger  *log.Logger

	// pendingSince is when the current partial batch was first seen.
	pendingSince time.Time

	// jitter is swappable for deterministic tests.
	jitter func(max time.Duration) time.Duration
}

func NewQueue(policy *config.Manager, st store.Store, client LedgerClient, m *metrics.Metrics) *Queue {
	return &Queue{
		policy:  policy,
		store:   st,
		client:  client,
		metrics: m,
		logger:  log.New(log.Writer(), "[ANCHOR] ", log.LstdFlags),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Run ticks the queue until cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := q.Tick(ctx, now.UTC()); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Printf("tick failed: %v", err)
			}
		}
	}
}

// Tick runs one batching pass and one submission pass.
func (q *Queue) Tick(ctx context.Context, now time.Time) error {
	if err := q.flush(ctx, now); err != nil {
		return err
	}
	return q.submitDue(ctx, now)
}

// lastAnchoredSeq is the highest link sequence covered by any anchor.
// The genesis link needs no anchor: it is derivable from configuration.
func (q *Queue) lastAnchoredSeq(ctx context.Context) (uint64, error) {
	latest, err := q.store.LatestAnchor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.SeqTo, nil
}

// flush cuts new PENDING anchors from unanchored links.
func (q *Queue) flush(ctx context.Context, now time.Time) error {
	cfg := q.policy.Get().Anchor

	head, err := q.store.HeadLink(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	last, err := q.lastAnchoredSeq(ctx)
	if err != nil {
		return err
	}
	if head.Seq <= last {
		q.pendingSince = time.Time{}
		return nil
	}

	// Cut every full batch.
	batch := uint64(cfg.BatchSize)
	for head.Seq-last >= batch {
		if err := q.cutAnchor(ctx, last+1, last+batch, now); err != nil {
			return err
		}
		last += batch
		q.pendingSince = time.Time{}
	}
	if last == head.Seq {
		q.pendingSince = time.Time{}
		return nil
	}

	// A partial remainder waits until max_delay forces it out.
	if q.pendingSince.IsZero() {
		q.pendingSince = now
		return nil
	}
	if now.Sub(q.pendingSince) < cfg.MaxDelay() {
		return nil
	}
	if err := q.cutAnchor(ctx, last+1, head.Seq, now); err != nil {
		return err
	}
	q.pendingSince = time.Time{}
	return nil
}

func (q *Queue) cutAnchor(ctx context.Context, from, to uint64, now time.Time) error {
	cfg := q.policy.Get().Anchor

	links, err := q.store.ListLinks(ctx, from, to)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	a := &core.Anchor{
		SeqFrom:   from,
		SeqTo:     to,
		RootHash:  MerkleRoot(links),
		Status:    core.AnchorPending,
		CreatedAt: now,
	}
	if err := q.store.CreateAnchor(ctx, a); err != nil {
		return err
	}
	q.logger.Printf("anchor %d cut for links [%d,%d] root %s…", a.ID, from, to, a.RootHash[:12])

	if n, err := q.store.ListAnchorsByStatus(ctx, core.AnchorPending); err == nil {
		q.metrics.SetAnchorQueueSize(len(n))
		if len(n) >= cfg.QueueMax {
			q.logger.Printf("⚠️ anchor backlog at %d (max %d); keeping all, ledger may be down",
				len(n), cfg.QueueMax)
		}
	}
	return nil
}

// submitDue pushes every PENDING anchor whose backoff has elapsed.
// FAILED anchors are never auto-retried; they wait for the admin
// retry endpoint.
func (q *Queue) submitDue(ctx context.Context, now time.Time) error {
	pending, err := q.store.ListAnchorsByStatus(ctx, core.AnchorPending)
	if err != nil {
		return err
	}

	for _, a := range pending {
		if !q.due(a, now) {
			continue
		}
		if err := q.submit(ctx, a, now); err != nil {
			return err
		}
	}
	return nil
}

// due applies exponential backoff with full jitter to retries.
func (q *Queue) due(a *core.Anchor, now time.Time) bool {
	if a.Attempts == 0 || a.LastAttempt.IsZero() {
		return true
	}
	cfg := q.policy.Get().Anchor

	delay := cfg.BackoffBase() << uint(a.Attempts-1)
	if delay > cfg.BackoffCap() || delay <= 0 {
		delay = cfg.BackoffCap()
	}
	return now.Sub(a.LastAttempt) >= q.jitter(delay)
}

func (q *Queue) submit(ctx context.Context, a *core.Anchor, now time.Time) error {
	cfg := q.policy.Get().Anchor

	a.Attempts++
	a.LastAttempt = now
	q.metrics.RecordAnchorAttempt()

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	receipt, err := q.client.Submit(callCtx, a)
	cancel()

	if errors.Is(err, ErrPermanent) {
		a.Status = core.AnchorFailed
		q.logger.Printf("anchor %d rejected on attempt %d, parked for operator retry: %v", a.ID, a.Attempts, err)
		q.metrics.RecordAnchor(string(core.AnchorFailed))
	} else if err != nil {
		// Transient: status is untouched, backoff schedules the retry.
		q.logger.Printf("anchor %d submit attempt %d failed, retrying after backoff: %v", a.ID, a.Attempts, err)
	} else {
		a.Status = core.AnchorSent
		a.LedgerReceipt = receipt
		q.logger.Printf("anchor %d SENT (links [%d,%d], receipt %s)", a.ID, a.SeqFrom, a.SeqTo, receipt)
		q.metrics.RecordAnchor(string(core.AnchorSent))
	}
	return q.store.UpdateAnchor(ctx, a)
}

// Retry is the admin override: requeue a FAILED anchor for immediate
// submission.
func (q *Queue) Retry(ctx context.Context, id int64, now time.Time) (*core.Anchor, error) {
	a, err := q.store.GetAnchor(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == core.AnchorSent {
		return a, nil
	}
	if err := q.submit(ctx, a, now); err != nil {
		return nil, err
	}
	return a, nil
}

// Pending lists anchors not yet acknowledged by the ledger.
func (q *Queue) Pending(ctx context.Context) ([]*core.Anchor, error) {
	pending, err := q.store.ListAnchorsByStatus(ctx, core.AnchorPending)
	if err != nil {
		return nil, err
	}
	failed, err := q.store.ListAnchorsByStatus(ctx, core.AnchorFailed)
	if err != nil {
		return nil, err
	}
	return append(pending, failed...), nil
}
