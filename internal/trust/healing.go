package trust

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/cryptoutil"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/store"
)

var (
	// ErrSelfVote rejects a reader voting on its own restoration.
	ErrSelfVote = errors.New("reader cannot vote on its own quarantine")
	// ErrIneligibleVoter rejects votes from non-active readers.
	ErrIneligibleVoter = errors.New("voter is not an active reader")
	// ErrNotInProbation guards restoration of readers outside probation.
	ErrNotInProbation = errors.New("reader is not in probation")
)

// ChallengeResponse is a reader's answer to one probation challenge.
type ChallengeResponse struct {
	TagHash string `json:"tag_hash,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// ChallengeResult reports the outcome of one response attempt.
type ChallengeResult struct {
	Passed               bool `json:"passed"`
	AttemptsRemaining    int  `json:"attempts_remaining"`
	ChallengesLeft       int  `json:"challenges_left"`
	ReturnedToQuarantine bool `json:"returned_to_quarantine"`
}

// Healer drives the self-healing lifecycle: quarantine recovery ticks,
// probation challenges and peer-consensus restoration.
type Healer struct {
	policy  *config.Manager
	store   store.Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewHealer(policy *config.Manager, st store.Store, m *metrics.Metrics) *Healer {
	return &Healer{
		policy:  policy,
		store:   st,
		metrics: m,
		logger:  log.New(log.Writer(), "[HEAL] ", log.LstdFlags),
	}
}

// RecoverQuarantined is the periodic healing tick. Quarantined readers
// earn logarithmic recovery measured from quarantine entry; crossing the
// probation entry floor moves them into probation with fresh challenges.
func (h *Healer) RecoverQuarantined(ctx context.Context, now time.Time) error {
	cfg := h.policy.Get()

	quarantines, err := h.store.ListActiveQuarantines(ctx)
	if err != nil {
		return err
	}
	h.metrics.SetActiveQuarantines(len(quarantines))

	for _, q := range quarantines {
		r, err := h.store.GetReader(ctx, q.ReaderID)
		if err != nil {
			return err
		}
		if r.Status != core.StatusQuarantined {
			continue
		}

		hours := now.Sub(q.EnteredAt).Hours()
		if hours <= 0 {
			continue
		}
		recovery := math.Min(cfg.Trust.RecoveryCap,
			cfg.Trust.RecoveryRatePerHour*math.Log(1+hours))
		score := int(math.Min(100, float64(q.ScoreAtEntry)+recovery))
		if score <= r.TrustScore {
			continue
		}

		r.TrustScore = score
		r.LastTrustUpdateAt = now
		if score >= cfg.Trust.ProbationEntryFloor {
			if err := h.startProbation(ctx, q, r, now); err != nil {
				return err
			}
		}
		if err := h.store.UpdateReader(ctx, r); err != nil {
			return err
		}
		h.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	}
	return nil
}

// startProbation issues one challenge of each kind per severity level.
func (h *Healer) startProbation(ctx context.Context, q *core.Quarantine, r *core.Reader, now time.Time) error {
	cfg := h.policy.Get().Probation

	cards, err := h.store.ListCards(ctx, q.Severity)
	if err != nil {
		return err
	}

	kinds := []core.ChallengeKind{core.ChallengeKnownTag, core.ChallengeTiming, core.ChallengeHashVerify}
	expires := now.Add(cfg.ChallengeTTL())

	n := 0
	for level := 0; level < q.Severity; level++ {
		for _, kind := range kinds {
			ch := &core.ProbationChallenge{
				ID:                uuid.NewString(),
				ReaderID:          r.ReaderID,
				QuarantineID:      q.ID,
				Kind:              kind,
				IssuedAt:          now,
				ExpiresAt:         expires,
				AttemptsRemaining: cfg.ChallengeMaxAttempts,
			}
			switch kind {
			case core.ChallengeKnownTag:
				if len(cards) > 0 {
					ch.ExpectedTagHash = cards[level%len(cards)].TagHash
				} else {
					// No whitelisted tags yet; nothing to prove.
					continue
				}
			case core.ChallengeTiming:
				nonce, err := cryptoutil.NewNonce()
				if err != nil {
					return err
				}
				ch.Nonce = nonce
			case core.ChallengeHashVerify:
				payload, err := cryptoutil.NewNonce()
				if err != nil {
					return err
				}
				ch.Payload = payload
			}
			if err := h.store.CreateChallenge(ctx, ch); err != nil {
				return err
			}
			n++
		}
	}

	r.Status = core.StatusProbation
	h.logger.Printf("reader %s entered PROBATION with %d challenges (severity %d)",
		r.ReaderID, n, q.Severity)
	return nil
}

// RespondChallenge validates one challenge answer. Exhausting attempts
// or answering after expiry fails the whole probation and returns the
// reader to quarantine at escalated severity.
func (h *Healer) RespondChallenge(ctx context.Context, challengeID string, resp ChallengeResponse, now time.Time) (*ChallengeResult, error) {
	ch, err := h.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Passed != nil && *ch.Passed {
		return &ChallengeResult{Passed: true, AttemptsRemaining: ch.AttemptsRemaining}, nil
	}

	if now.After(ch.ExpiresAt) {
		return h.failChallenge(ctx, ch, now)
	}

	passed := h.validate(ch, resp, now)
	ch.AttemptsRemaining--

	if passed {
		v := true
		ch.Passed = &v
		if err := h.store.UpdateChallenge(ctx, ch); err != nil {
			return nil, err
		}
		left, err := h.openChallenges(ctx, ch.QuarantineID)
		if err != nil {
			return nil, err
		}
		return &ChallengeResult{Passed: true, AttemptsRemaining: ch.AttemptsRemaining, ChallengesLeft: left}, nil
	}

	if ch.AttemptsRemaining <= 0 {
		return h.failChallenge(ctx, ch, now)
	}
	if err := h.store.UpdateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	left, err := h.openChallenges(ctx, ch.QuarantineID)
	if err != nil {
		return nil, err
	}
	return &ChallengeResult{Passed: false, AttemptsRemaining: ch.AttemptsRemaining, ChallengesLeft: left}, nil
}

func (h *Healer) validate(ch *core.ProbationChallenge, resp ChallengeResponse, now time.Time) bool {
	cfg := h.policy.Get().Probation

	switch ch.Kind {
	case core.ChallengeKnownTag:
		return resp.TagHash != "" && resp.TagHash == ch.ExpectedTagHash
	case core.ChallengeTiming:
		return resp.Nonce == ch.Nonce && now.Sub(ch.IssuedAt) <= cfg.TimingWindow()
	case core.ChallengeHashVerify:
		return cryptoutil.ConstantTimeEqual(resp.Hash, cryptoutil.SHA256Hex([]byte(ch.Payload)))
	default:
		return false
	}
}

func (h *Healer) failChallenge(ctx context.Context, ch *core.ProbationChallenge, now time.Time) (*ChallengeResult, error) {
	v := false
	ch.Passed = &v
	ch.AttemptsRemaining = 0
	if err := h.store.UpdateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	if err := h.returnToQuarantine(ctx, ch.ReaderID, ch.QuarantineID, now); err != nil {
		return nil, err
	}
	return &ChallengeResult{Passed: false, ReturnedToQuarantine: true}, nil
}

func (h *Healer) openChallenges(ctx context.Context, quarantineID int64) (int, error) {
	all, err := h.store.ListChallenges(ctx, quarantineID)
	if err != nil {
		return 0, err
	}
	open := 0
	for _, c := range all {
		if c.Passed == nil {
			open++
		}
	}
	return open, nil
}

// returnToQuarantine escalates severity (capped at 3) and applies the
// probation-failure penalty.
func (h *Healer) returnToQuarantine(ctx context.Context, readerID string, quarantineID int64, now time.Time) error {
	cfg := h.policy.Get().Trust

	q, err := h.store.GetQuarantine(ctx, quarantineID)
	if err != nil {
		return err
	}
	if q.Severity < 3 {
		q.Severity++
	}
	if err := h.store.UpdateQuarantine(ctx, q); err != nil {
		return err
	}

	r, err := h.store.GetReader(ctx, readerID)
	if err != nil {
		return err
	}
	penalty := cfg.BasePenalties[core.ViolationProbationFailure] * cfg.Weights[core.ViolationProbationFailure]
	r.TrustScore = int(clamp(float64(r.TrustScore)-penalty, 0, 100))
	r.Status = core.StatusQuarantined
	r.LastViolationAt = now
	r.LastTrustUpdateAt = now
	if err := h.store.UpdateReader(ctx, r); err != nil {
		return err
	}

	h.metrics.RecordViolation(string(core.ViolationProbationFailure))
	h.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	h.logger.Printf("reader %s failed probation, back to QUARANTINED (severity %d, score %d)",
		readerID, q.Severity, r.TrustScore)
	return nil
}

// ExpireChallenges fails probations whose challenges lapsed unanswered.
// Called from the periodic sweeper.
func (h *Healer) ExpireChallenges(ctx context.Context, now time.Time) error {
	quarantines, err := h.store.ListActiveQuarantines(ctx)
	if err != nil {
		return err
	}
	for _, q := range quarantines {
		challenges, err := h.store.ListChallenges(ctx, q.ID)
		if err != nil {
			return err
		}
		for _, ch := range challenges {
			if ch.Passed == nil && now.After(ch.ExpiresAt) {
				if _, err := h.failChallenge(ctx, ch, now); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// CastVote records one restoration vote. Self-votes are rejected, only
// active readers may vote, and a repeat vote by the same voter replaces
// its predecessor.
func (h *Healer) CastVote(ctx context.Context, quarantineID int64, voterID, vote string, now time.Time) error {
	q, err := h.store.GetQuarantine(ctx, quarantineID)
	if err != nil {
		return err
	}
	if q.ReaderID == voterID {
		return ErrSelfVote
	}
	voter, err := h.store.GetReader(ctx, voterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrIneligibleVoter
		}
		return err
	}
	if voter.Status != core.StatusActive {
		return ErrIneligibleVoter
	}
	if vote != "APPROVE" && vote != "REJECT" {
		return fmt.Errorf("invalid vote %q", vote)
	}

	return h.store.UpsertVote(ctx, &core.PeerVote{
		QuarantineID:  quarantineID,
		SubjectReader: q.ReaderID,
		VoterReader:   voterID,
		Vote:          vote,
		CastAt:        now,
	})
}

// ConsensusState summarizes restoration voting for a quarantine.
type ConsensusState struct {
	Approve       int     `json:"approve"`
	Reject        int     `json:"reject"`
	Total         int     `json:"total"`
	Reached       bool    `json:"reached"`
	Approved      bool    `json:"approved"`
	ApprovalRatio float64 `json:"approval_ratio"`
}

// evaluateConsensus counts votes cast inside the voting window.
func (h *Healer) evaluateConsensus(ctx context.Context, quarantineID int64, now time.Time) (*ConsensusState, error) {
	cfg := h.policy.Get().Consensus

	votes, err := h.store.ListVotes(ctx, quarantineID)
	if err != nil {
		return nil, err
	}

	state := &ConsensusState{}
	for _, v := range votes {
		if now.Sub(v.CastAt) > cfg.Timeout() {
			continue
		}
		state.Total++
		if v.Vote == "APPROVE" {
			state.Approve++
		} else {
			state.Reject++
		}
	}
	if state.Total < cfg.MinVoters {
		return state, nil
	}
	state.Reached = true
	state.ApprovalRatio = float64(state.Approve) / float64(state.Total)
	state.Approved = state.ApprovalRatio >= cfg.ApprovalRatio
	return state, nil
}

// AttemptRestore runs the full restoration check: every challenge passed
// and peer consensus approved. Success reinstates the reader at the
// restore score and clears its suspicion trail; an explicit consensus
// rejection escalates the quarantine.
func (h *Healer) AttemptRestore(ctx context.Context, readerID string, now time.Time) (*core.Reader, *ConsensusState, error) {
	cfg := h.policy.Get().Trust

	r, err := h.store.GetReader(ctx, readerID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != core.StatusProbation {
		return nil, nil, ErrNotInProbation
	}
	q, err := h.store.ActiveQuarantine(ctx, readerID)
	if err != nil {
		return nil, nil, err
	}

	challenges, err := h.store.ListChallenges(ctx, q.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, ch := range challenges {
		if ch.Passed == nil || !*ch.Passed {
			return nil, nil, fmt.Errorf("challenge %s not passed", ch.ID)
		}
	}

	consensus, err := h.evaluateConsensus(ctx, q.ID, now)
	if err != nil {
		return nil, nil, err
	}
	if !consensus.Reached {
		return nil, consensus, nil
	}
	if !consensus.Approved {
		if err := h.returnToQuarantine(ctx, readerID, q.ID, now); err != nil {
			return nil, nil, err
		}
		return nil, consensus, nil
	}

	cleared := now
	q.ClearedAt = &cleared
	if err := h.store.UpdateQuarantine(ctx, q); err != nil {
		return nil, nil, err
	}
	if err := h.store.DeleteSuspicionsBySource(ctx, readerID); err != nil {
		return nil, nil, err
	}

	r.TrustScore = cfg.RestoreScore
	r.Status = core.StatusActive
	r.ConsecutiveSuccesses = 0
	r.LastTrustUpdateAt = now
	if err := h.store.UpdateReader(ctx, r); err != nil {
		return nil, nil, err
	}

	h.metrics.UpdateReader(r.ReaderID, r.TrustScore, string(r.Status))
	h.logger.Printf("✅ reader %s restored via probation + peer consensus (score %d)",
		readerID, r.TrustScore)
	return r, consensus, nil
}
