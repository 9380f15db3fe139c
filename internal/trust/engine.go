// Package trust implements the reader trust engine: weighted violation
// penalties, logarithmic time-decay recovery, status classification, and
// the quarantine / probation / peer-consensus healing lifecycle.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/store"
)

// Engine mutates reader trust state. Callers must hold the reader's
// logical lock for every method that takes a reader ID.
type Engine struct {
	policy  *config.Manager
	store   store.Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewEngine(policy *config.Manager, st store.Store, m *metrics.Metrics) *Engine {
	return &Engine{
		policy:  policy,
		store:   st,
		metrics: m,
		logger:  log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applyDecay credits logarithmic recovery to a non-quarantined reader
// whose last violation is old enough. Mutates the score only; the caller
// reclassifies.
func (e *Engine) applyDecay(r *core.Reader, now time.Time) {
	cfg := e.policy.Get().Trust

	if r.Status == core.StatusQuarantined || r.Status == core.StatusProbation {
		return
	}
	if r.LastViolationAt.IsZero() || now.Sub(r.LastViolationAt) < cfg.RecoveryMinGap() {
		return
	}

	hours := now.Sub(r.LastTrustUpdateAt).Hours()
	if hours <= 0 {
		return
	}
	recovery := math.Min(cfg.RecoveryCap, cfg.RecoveryRatePerHour*math.Log(1+hours))
	r.TrustScore = int(math.Min(100, float64(r.TrustScore)+recovery))
}

// classify maps a score to a serving status. Quarantine and probation
// are lifecycle states owned by the healer and are never overwritten here.
func (e *Engine) classify(r *core.Reader) {
	cfg := e.policy.Get().Trust

	if r.Status == core.StatusQuarantined || r.Status == core.StatusProbation {
		return
	}
	switch {
	case r.TrustScore >= cfg.TrustedFloor:
		r.Status = core.StatusActive
	case r.TrustScore >= cfg.DegradedFloor:
		r.Status = core.StatusDegraded
	default:
		r.Status = core.StatusSuspended
	}
}

// RecordViolation applies the penalty for one violation and runs the
// quarantine check. Confidence is clamped to [0.5, 1.0] so low-confidence
// signals still cost half the base penalty.
func (e *Engine) RecordViolation(ctx context.Context, readerID string, v core.Violation, confidence float64, now time.Time) (*core.Reader, error) {
	cfg := e.policy.Get().Trust

	r, err := e.store.GetReader(ctx, readerID)
	if err != nil {
		return nil, err
	}

	e.applyDecay(r, now)

	weighted := cfg.BasePenalties[v] * cfg.Weights[v] * clamp(confidence, 0.5, 1.0)
	r.TrustScore = int(clamp(float64(r.TrustScore)-weighted, 0, 100))

	r.LastViolationAt = now
	r.LastTrustUpdateAt = now
	r.ConsecutiveSuccesses = 0
	switch v {
	case core.ViolationBadSignature:
		r.AuthFailures++
	case core.ViolationReplay:
		r.ReplayAttempts++
	}

	e.classify(r)

	critical := false
	for _, qv := range cfg.QuarantineOn {
		if qv == v {
			critical = true
			break
		}
	}
	quarantine := critical || r.TrustScore < cfg.QuarantineFloor
	if quarantine && r.Status != core.StatusQuarantined {
		if err := e.enterQuarantine(ctx, r, v, now); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateReader(ctx, r); err != nil {
		return nil, err
	}

	e.metrics.RecordViolation(string(v))
	e.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	e.logger.Printf("reader %s violation %s (conf %.2f): score=%d status=%s",
		readerID, v, confidence, r.TrustScore, r.Status)
	return r, nil
}

// RecordSuccess logs one clean transaction. Every reward_streak clean
// transactions earns a small trust reward.
func (e *Engine) RecordSuccess(ctx context.Context, readerID string, now time.Time) (*core.Reader, error) {
	cfg := e.policy.Get().Trust

	r, err := e.store.GetReader(ctx, readerID)
	if err != nil {
		return nil, err
	}

	e.applyDecay(r, now)

	r.ConsecutiveSuccesses++
	if cfg.RewardStreak > 0 && r.ConsecutiveSuccesses%cfg.RewardStreak == 0 {
		r.TrustScore = int(clamp(float64(r.TrustScore)+cfg.CleanTransactionReward, 0, 100))
	}
	r.LastTrustUpdateAt = now

	e.classify(r)

	if err := e.store.UpdateReader(ctx, r); err != nil {
		return nil, err
	}
	e.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	return r, nil
}

// ResetTrust is the admin override. A non-positive score restores full
// trust; any other value is clamped to [0,100] and reclassified.
func (e *Engine) ResetTrust(ctx context.Context, readerID string, score int, now time.Time) (*core.Reader, error) {
	if score <= 0 {
		score = 100
	}
	if score > 100 {
		score = 100
	}
	r, err := e.store.GetReader(ctx, readerID)
	if err != nil {
		return nil, err
	}

	if q, err := e.store.ActiveQuarantine(ctx, readerID); err == nil {
		cleared := now
		q.ClearedAt = &cleared
		if err := e.store.UpdateQuarantine(ctx, q); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	r.TrustScore = score
	r.Status = core.StatusActive
	r.ConsecutiveSuccesses = 0
	r.LastTrustUpdateAt = now
	e.classify(r)
	if err := e.store.UpdateReader(ctx, r); err != nil {
		return nil, err
	}

	e.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	e.logger.Printf("reader %s trust reset to %d by admin", readerID, score)
	return r, nil
}

// ForceQuarantine is the admin override entering quarantine immediately.
func (e *Engine) ForceQuarantine(ctx context.Context, readerID string, reason core.Violation, now time.Time) (*core.Reader, error) {
	r, err := e.store.GetReader(ctx, readerID)
	if err != nil {
		return nil, err
	}
	if r.Status == core.StatusQuarantined {
		return r, nil
	}
	if err := e.enterQuarantine(ctx, r, reason, now); err != nil {
		return nil, err
	}
	if err := e.store.UpdateReader(ctx, r); err != nil {
		return nil, err
	}
	e.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	return r, nil
}

// enterQuarantine records the quarantine, flips the status and marks
// every tag this reader touched recently as suspect.
func (e *Engine) enterQuarantine(ctx context.Context, r *core.Reader, v core.Violation, now time.Time) error {
	cfg := e.policy.Get().Trust

	severity := cfg.Severity[v]
	if severity < 1 {
		severity = 1
	}
	if severity > 3 {
		severity = 3
	}

	q := &core.Quarantine{
		ReaderID:         r.ReaderID,
		EnteredAt:        now,
		Severity:         severity,
		TriggerViolation: v,
		ScoreAtEntry:     r.TrustScore,
	}
	if err := e.store.CreateQuarantine(ctx, q); err != nil {
		return fmt.Errorf("create quarantine for %s: %w", r.ReaderID, err)
	}
	r.Status = core.StatusQuarantined

	if err := e.propagateSuspicion(ctx, r.ReaderID, now); err != nil {
		// Suspicion is advisory; the quarantine itself must not roll back.
		e.logger.Printf("suspicion propagation for %s failed: %v", r.ReaderID, err)
	}

	e.logger.Printf("🚧 reader %s QUARANTINED (severity %d, trigger %s, score %d)",
		r.ReaderID, severity, v, r.TrustScore)
	return nil
}

// propagateSuspicion marks every tag the reader processed inside the
// suspicion window so other readers apply elevated fraud sensitivity.
func (e *Engine) propagateSuspicion(ctx context.Context, readerID string, now time.Time) error {
	cfg := e.policy.Get().Trust

	tags, err := e.store.DistinctTagsSeenBy(ctx, readerID, now.Add(-cfg.SuspicionWindow()))
	if err != nil {
		return err
	}
	expires := now.Add(cfg.SuspicionTTL())
	for _, tag := range tags {
		err := e.store.UpsertSuspicion(ctx, &core.TagSuspicion{
			TagHash:        tag,
			SourceReaderID: readerID,
			Multiplier:     cfg.SuspicionMultiplier,
			ExpiresAt:      expires,
		})
		if err != nil {
			return err
		}
	}
	if len(tags) > 0 {
		e.logger.Printf("propagated suspicion to %d tags from reader %s", len(tags), readerID)
	}
	return nil
}
