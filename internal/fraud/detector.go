// Package fraud fuses rule checks, ML model scores and cross-reader
// outlier signals into a single allow/block verdict per toll event.
package fraud

import (
	"context"
	"log"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
)

// Result is the detector output for one event.
type Result struct {
	RuleFlags   []string
	Scores      Scores
	Decision    core.Decision
	ReasonCodes []string
	// Violation is the trust-engine class to record on block, empty on allow.
	Violation core.Violation
}

// Detector runs the three-layer fraud check.
type Detector struct {
	policy  *config.Manager
	scorer  Scorer
	cross   *CrossTracker
	healing store.HealingStore
	logger  *log.Logger
}

func NewDetector(policy *config.Manager, scorer Scorer, cross *CrossTracker, healing store.HealingStore) *Detector {
	return &Detector{
		policy:  policy,
		scorer:  scorer,
		cross:   cross,
		healing: healing,
		logger:  log.New(log.Writer(), "[FRAUD] ", log.LstdFlags),
	}
}

// SelectScorer builds the scorer variant named by policy.
func SelectScorer(cfg config.FraudConfig) Scorer {
	switch cfg.ScorerMode {
	case "real":
		return NewHTTPScorer(cfg.ScorerURL, cfg.ScorerTimeout())
	case "mock":
		return MockScorer{}
	default:
		return NullScorer{}
	}
}

// Detect evaluates one accepted event. Scorer failure is non-fatal and
// degrades to neutral scores.
func (d *Detector) Detect(ctx context.Context, ev *core.TollEvent, card *core.Card, amount float64, reader *core.Reader, now time.Time) (*Result, error) {
	cfg := d.policy.Get().Fraud

	flags := EvaluateRules(card, amount, now, cfg)

	scores, err := d.scorer.Score(ctx, Features{
		Amount:      amount,
		VehicleType: card.VehicleType,
		TrustScore:  reader.TrustScore,
		HourOfDay:   now.Hour(),
		ReaderID:    ev.ReaderID,
	})
	if err != nil {
		d.logger.Printf("scorer unavailable, degrading to neutral: %v", err)
		scores = Scores{}
	}

	if d.cross != nil && d.cross.Snapshot().IsOutlier(ev.ReaderID, cfg.CrossMultiplier) {
		flags = append(flags, FlagCrossOutlier)
	}

	// Tags flagged by a quarantined reader carry an elevated sensitivity
	// multiplier until the suspicion expires.
	suspicion := 1.0
	if d.healing != nil {
		if s, err := d.healing.MaxSuspicion(ctx, ev.TagHash, now); err == nil {
			suspicion = s
		}
	}

	res := &Result{RuleFlags: flags, Scores: scores}
	res.Decision, res.ReasonCodes, res.Violation = fuse(flags, scores, reader.Status, suspicion, cfg)
	return res, nil
}

// fuse applies the decision policy: critical rule flags always block;
// both models past the threshold with the isolation flag set block; a
// degraded reader blocks on any rule flag.
func fuse(flags []string, s Scores, status core.ReaderStatus, suspicion float64, cfg config.FraudConfig) (core.Decision, []string, core.Violation) {
	reasons := append([]string(nil), flags...)

	critical := false
	for _, f := range flags {
		if criticalFlags[f] {
			critical = true
		}
	}

	threshold := cfg.MLBlockThreshold
	if suspicion > 1 {
		threshold /= suspicion
	}
	mlBlock := s.ModelA != nil && s.ModelB != nil &&
		*s.ModelA >= threshold && *s.ModelB >= threshold && s.IsoFlag == 1

	degradedBlock := status == core.StatusDegraded && len(flags) > 0

	switch {
	case critical:
		return core.DecisionBlock, reasons, core.ViolationFraudRule
	case mlBlock:
		reasons = append(reasons, "ML_CONSENSUS")
		return core.DecisionBlock, reasons, core.ViolationFraudML
	case degradedBlock:
		reasons = append(reasons, "DEGRADED_READER")
		return core.DecisionBlock, reasons, core.ViolationFraudRule
	default:
		return core.DecisionAllow, reasons, ""
	}
}
