package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/cryptoutil"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

// requireAdminKey authenticates the admin surface with a constant-time
// comparison of the shared key.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.policy.Get().Server.AdminKey
		if key == "" {
			writeError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "no admin key configured")
			return
		}
		if !cryptoutil.ConstantTimeEqual(r.Header.Get("X-API-Key"), key) {
			writeError(w, http.StatusUnauthorized, "BAD_ADMIN_KEY", "invalid or missing X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "reader_id is required")
		return
	}

	secret, err := cryptoutil.NewSecret()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	reader, err := s.registry.Register(r.Context(), req.ReaderID, secret, s.clock.Now())
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "READER_EXISTS", "reader is already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	// The secret is shown exactly once, at registration.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"reader_id":   reader.ReaderID,
		"secret":      hex.EncodeToString(secret),
		"key_version": reader.KeyVersion,
		"trust_score": reader.TrustScore,
		"status":      reader.Status,
	})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "reader_id is required")
		return
	}

	secret, err := cryptoutil.NewSecret()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	reader, err := s.registry.RotateKey(r.Context(), req.ReaderID, secret)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", "reader not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reader_id":   reader.ReaderID,
		"secret":      hex.EncodeToString(secret),
		"key_version": reader.KeyVersion,
	})
}

func (s *Server) handleTrustReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
		Score    int    `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "reader_id is required")
		return
	}

	var reader *core.Reader
	err := s.registry.WithLock(req.ReaderID, func() error {
		var err error
		reader, err = s.trust.ResetTrust(r.Context(), req.ReaderID, req.Score, s.clock.Now())
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", "reader not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reader)
}

func (s *Server) handleForceQuarantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReaderID string `json:"reader_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "reader_id is required")
		return
	}
	reason := core.Violation(req.Reason)
	if reason == "" {
		reason = core.ViolationBalanceTamper
	}

	var reader *core.Reader
	err := s.registry.WithLock(req.ReaderID, func() error {
		var err error
		reader, err = s.trust.ForceQuarantine(r.Context(), req.ReaderID, reason, s.clock.Now())
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_READER", "reader not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reader)
}

func (s *Server) handlePeerVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuarantineID int64  `json:"quarantine_id"`
		VoterID      string `json:"voter_reader_id"`
		Vote         string `json:"vote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VoterID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "quarantine_id, voter_reader_id and vote are required")
		return
	}

	now := s.clock.Now()
	if err := s.healer.CastVote(r.Context(), req.QuarantineID, req.VoterID, req.Vote, now); err != nil {
		switch {
		case errors.Is(err, trust.ErrSelfVote), errors.Is(err, trust.ErrIneligibleVoter):
			writeError(w, http.StatusForbidden, "INELIGIBLE_VOTE", err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "UNKNOWN_QUARANTINE", "quarantine not found")
		default:
			writeError(w, http.StatusBadRequest, "INVALID_VOTE", err.Error())
		}
		return
	}

	q, err := s.store.GetQuarantine(r.Context(), req.QuarantineID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	// The vote may complete consensus; try restoration under the
	// subject's lock. A reader still short of probation is not an error.
	restored := false
	var consensus *trust.ConsensusState
	err = s.registry.WithLock(q.ReaderID, func() error {
		reader, state, err := s.healer.AttemptRestore(r.Context(), q.ReaderID, now)
		if errors.Is(err, trust.ErrNotInProbation) {
			return nil
		}
		if err != nil {
			// Unpassed challenges just mean restoration is not due yet.
			s.logger.Printf("restore check for %s: %v", q.ReaderID, err)
			return nil
		}
		consensus = state
		restored = reader != nil
		return nil
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vote":      "recorded",
		"restored":  restored,
		"consensus": consensus,
	})
}

func (s *Server) handleVdfVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID string  `json:"event_id"`
		From    *uint64 `json:"from"`
		To      *uint64 `json:"to"`
	}
	// An empty body requests a full-chain walk.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.EventID != "" {
		link, ok, err := s.chain.VerifyEvent(r.Context(), req.EventID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "UNKNOWN_EVENT", "event has no chain link")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": ok, "link": link})
		return
	}

	var report *vdf.VerifyReport
	var err error
	if req.From != nil && req.To != nil {
		report, err = s.chain.VerifyRange(r.Context(), *req.From, *req.To)
	} else {
		report, err = s.chain.VerifyChain(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVdfReseed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seed == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "seed is required")
		return
	}

	link, err := s.chain.Reseed(r.Context(), req.Seed)
	if errors.Is(err, vdf.ErrChainNotEmpty) {
		writeError(w, http.StatusConflict, "CHAIN_NOT_EMPTY", "genesis can only be reseeded on an empty chain")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	s.EnableIngest()
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleAnchorPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.anchors.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(pending),
		"anchors": pending,
	})
}

func (s *Server) handleAnchorRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnchorID int64 `json:"anchor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", "anchor_id is required")
		return
	}

	a, err := s.anchors.Retry(r.Context(), req.AnchorID, s.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_ANCHOR", "anchor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleNoncesClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Before int64 `json:"before"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	// Sweep drops records older than the retention window relative to the
	// reference time, so clearing everything before T sweeps at
	// T + retention.
	ref := s.clock.Now()
	if req.Before > 0 {
		ref = time.Unix(req.Before, 0).UTC().Add(s.policy.Get().Ingest.NonceRetention())
	}
	removed, err := s.nonces.Sweep(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "BAD_POLICY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
