// Package sweeper runs the periodic maintenance pass: nonce garbage
// collection, challenge expiry, quarantine recovery, suspicion cleanup,
// cross-reader stats refresh and VDF chain reconciliation.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

// Sweeper owns the background maintenance loop. Each task failure is
// logged and skipped; maintenance never stops the service.
type Sweeper struct {
	policy   *config.Manager
	store    store.Store
	nonces   nonce.Ledger
	healer   *trust.Healer
	cross    *fraud.CrossTracker
	chain    *vdf.Chain
	metrics  *metrics.Metrics
	logger   *log.Logger
	interval time.Duration

	lastCross     time.Time
	lastReconcile time.Time
}

func New(
	policy *config.Manager,
	st store.Store,
	nonces nonce.Ledger,
	healer *trust.Healer,
	cross *fraud.CrossTracker,
	chain *vdf.Chain,
	m *metrics.Metrics,
	interval time.Duration,
) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		policy:   policy,
		store:    st,
		nonces:   nonces,
		healer:   healer,
		cross:    cross,
		chain:    chain,
		metrics:  m,
		logger:   log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
		interval: interval,
	}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick runs one maintenance pass.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	cfg := s.policy.Get()

	if removed, err := s.nonces.Sweep(ctx, now); err != nil {
		s.logger.Printf("nonce sweep failed: %v", err)
	} else if removed > 0 {
		s.logger.Printf("swept %d expired nonces", removed)
	}

	if err := s.healer.ExpireChallenges(ctx, now); err != nil {
		s.logger.Printf("challenge expiry failed: %v", err)
	}
	if err := s.healer.RecoverQuarantined(ctx, now); err != nil {
		s.logger.Printf("quarantine recovery failed: %v", err)
	}

	if removed, err := s.store.DeleteExpiredSuspicions(ctx, now); err != nil {
		s.logger.Printf("suspicion cleanup failed: %v", err)
	} else if removed > 0 {
		s.logger.Printf("dropped %d expired tag suspicions", removed)
	}

	if active, err := s.store.ListActiveQuarantines(ctx); err == nil {
		s.metrics.SetActiveQuarantines(len(active))
	}

	if s.cross != nil && now.Sub(s.lastCross) >= cfg.Fraud.CrossStatsRefresh() {
		if err := s.cross.Refresh(ctx, cfg.Fraud.CrossWindow(), now); err != nil {
			s.logger.Printf("cross-reader stats refresh failed: %v", err)
		} else {
			s.lastCross = now
		}
	}

	if s.chain != nil && now.Sub(s.lastReconcile) >= cfg.VDF.ReconcileInterval() {
		if _, err := s.chain.Reconcile(ctx); err != nil {
			s.logger.Printf("chain reconciliation failed: %v", err)
		} else {
			s.lastReconcile = now
		}
	}
}
