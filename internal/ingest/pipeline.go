package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/decision"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

// Block reasons produced by the pipeline itself, outside the fraud
// detector.
const (
	ReasonUnknownTag          = "UNKNOWN_TAG"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonBalanceManipulation = "BALANCE_MANIPULATION"
)

// Response is the caller-visible outcome of one accepted event.
type Response struct {
	Decision    core.Decision `json:"decision"`
	ReasonCodes []string      `json:"reason_codes"`
	TrustScore  int           `json:"trust_score"`
	EventID     string        `json:"event_id"`
	VdfSeq      *uint64       `json:"vdf_seq"`
}

// Pipeline orchestrates verify → fraud → deduct → trust feedback →
// decision log → VDF chain for one toll event, all under the reader's
// logical lock.
type Pipeline struct {
	policy    *config.Manager
	registry  *registry.Registry
	verifier  *Verifier
	detector  *fraud.Detector
	trust     *trust.Engine
	decisions *decision.Logger
	chain     *vdf.Chain
	store     store.Store
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func NewPipeline(
	policy *config.Manager,
	reg *registry.Registry,
	verifier *Verifier,
	detector *fraud.Detector,
	engine *trust.Engine,
	decisions *decision.Logger,
	chain *vdf.Chain,
	st store.Store,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		policy:    policy,
		registry:  reg,
		verifier:  verifier,
		detector:  detector,
		trust:     engine,
		decisions: decisions,
		chain:     chain,
		store:     st,
		metrics:   m,
		logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Process handles one submission end to end. It returns exactly one of:
// a Response (the event was authenticated and decided), a Rejection
// (authentication failed), or an infrastructure error.
func (p *Pipeline) Process(ctx context.Context, ev *core.TollEvent, now time.Time) (*Response, *Rejection, error) {
	started := time.Now()

	var resp *Response
	var rej *Rejection
	err := p.registry.WithLock(ev.ReaderID, func() error {
		reader, rj, err := p.verifier.Verify(ctx, ev, now)
		if err != nil {
			return err
		}
		if rj != nil {
			rej = rj
			p.metrics.RecordRejection(string(rj.Code))
			if rj.Violation != "" {
				if _, verr := p.trust.RecordViolation(ctx, ev.ReaderID, rj.Violation, 1.0, now); verr != nil {
					p.logger.Printf("penalty for %s on reader %s failed: %v", rj.Code, ev.ReaderID, verr)
				}
			}
			return nil
		}

		resp, err = p.decide(ctx, ev, reader, now)
		return err
	})

	p.metrics.RecordIngest(err == nil && rej == nil, time.Since(started).Seconds())
	if err != nil {
		return nil, nil, err
	}
	return resp, rej, nil
}

// decide runs the post-authentication stages for an accepted event.
func (p *Pipeline) decide(ctx context.Context, ev *core.TollEvent, reader *core.Reader, now time.Time) (*Response, error) {
	d := &core.DecisionRecord{
		EventID:   uuid.NewString(),
		ReaderID:  ev.ReaderID,
		TagHash:   ev.TagHash,
		Timestamp: ev.Timestamp,
		CreatedAt: now,
	}

	card, err := p.store.GetCard(ctx, ev.TagHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No card, no fraud features: block outright without penalizing
		// the reader.
		d.Decision = core.DecisionBlock
		d.ReasonCodes = []string{ReasonUnknownTag}
		d.TrustSnapshot = reader.TrustScore
		return p.finish(ctx, d, nil, 0)
	case err != nil:
		return nil, err
	}

	amount := 0.0
	if tariff, err := p.store.GetTariff(ctx, card.VehicleType); err == nil {
		amount = tariff.Amount
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	d.Amount = amount

	var violation core.Violation
	confidence := 1.0

	if card.Balance < 0 {
		// Deductions never drive a balance negative, so a negative
		// stored balance means the card data was tampered with.
		d.Decision = core.DecisionBlock
		d.ReasonCodes = []string{ReasonBalanceManipulation}
		violation = core.ViolationBalanceTamper
	} else {
		res, err := p.detector.Detect(ctx, ev, card, amount, reader, now)
		if err != nil {
			return nil, err
		}
		d.Decision = res.Decision
		d.ReasonCodes = res.ReasonCodes
		d.RuleFlags = res.RuleFlags
		d.MLScoreA = res.Scores.ModelA
		d.MLScoreB = res.Scores.ModelB
		d.IsoFlag = res.Scores.IsoFlag
		violation = res.Violation
		if violation == core.ViolationFraudML && res.Scores.ModelA != nil && res.Scores.ModelB != nil {
			confidence = (*res.Scores.ModelA + *res.Scores.ModelB) / 2
		}

		if d.Decision == core.DecisionAllow && card.Balance < amount {
			d.Decision = core.DecisionBlock
			d.ReasonCodes = append(d.ReasonCodes, ReasonInsufficientBalance)
			violation = ""
		}
	}

	// Trust feedback before the log so the record carries the
	// post-decision score.
	switch {
	case violation != "":
		r, err := p.trust.RecordViolation(ctx, ev.ReaderID, violation, confidence, now)
		if err != nil {
			return nil, err
		}
		reader = r
	case d.Decision == core.DecisionAllow:
		r, err := p.trust.RecordSuccess(ctx, ev.ReaderID, now)
		if err != nil {
			return nil, err
		}
		reader = r
	}
	d.TrustSnapshot = reader.TrustScore

	if d.Decision == core.DecisionAllow {
		return p.finish(ctx, d, card, amount)
	}
	return p.finish(ctx, d, nil, 0)
}

// finish deducts the toll when a card is given, persists the decision and
// hands it to the VDF chain. A failed log rolls the deduction back.
func (p *Pipeline) finish(ctx context.Context, d *core.DecisionRecord, card *core.Card, amount float64) (*Response, error) {
	deducted := false
	if card != nil && amount > 0 {
		if err := p.store.UpdateCardBalance(ctx, card.TagHash, card.Balance-amount, d.CreatedAt); err != nil {
			return nil, err
		}
		deducted = true
	}

	if err := p.decisions.Log(ctx, d); err != nil {
		if deducted {
			if rbErr := p.store.UpdateCardBalance(ctx, card.TagHash, card.Balance, card.LastSeen); rbErr != nil {
				p.logger.Printf("rollback of %.2f on %s failed: %v", amount, card.TagHash, rbErr)
			}
		}
		return nil, err
	}

	resp := &Response{
		Decision:    d.Decision,
		ReasonCodes: d.ReasonCodes,
		TrustScore:  d.TrustSnapshot,
		EventID:     d.EventID,
	}

	if p.policy.Get().VDF.ResponseAwaitsVDF {
		link, err := p.chain.AppendDecision(ctx, d)
		if err != nil {
			return nil, err
		}
		resp.VdfSeq = &link.Seq
	} else {
		p.chain.Enqueue(d)
	}
	return resp, nil
}
