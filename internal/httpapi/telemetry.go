package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
)

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, readers)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	decisions, err := s.decisions.Recent(r.Context(), r.URL.Query().Get("reader_id"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleQuarantines(w http.ResponseWriter, r *http.Request) {
	quarantines, err := s.store.ListActiveQuarantines(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(quarantines))
	for _, q := range quarantines {
		entry := map[string]interface{}{"quarantine": q}
		if challenges, err := s.store.ListChallenges(r.Context(), q.ID); err == nil {
			entry["challenges"] = challenges
		}
		if votes, err := s.store.ListVotes(r.Context(), q.ID); err == nil {
			entry["votes"] = votes
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProbationRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challenge_id"`
		TagHash     string `json:"tag_hash"`
		Nonce       string `json:"nonce"`
		Hash        string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "challenge_id is required")
		return
	}

	ch, err := s.store.GetChallenge(r.Context(), req.ChallengeID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_CHALLENGE", "challenge not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	var result *trust.ChallengeResult
	err = s.registry.WithLock(ch.ReaderID, func() error {
		var err error
		result, err = s.healer.RespondChallenge(r.Context(), req.ChallengeID, trust.ChallengeResponse{
			TagHash: req.TagHash,
			Nonce:   req.Nonce,
			Hash:    req.Hash,
		}, s.clock.Now())
		return err
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVdfState(w http.ResponseWriter, r *http.Request) {
	head, err := s.chain.Head(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"chain_length": 0})
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	cfg := s.policy.Get().VDF
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"head_seq":    head.Seq,
		"head_output": head.VdfOutput,
		"difficulty":  cfg.Difficulty,
		"queue_depth": s.chain.QueueDepth(),
	})
}

func (s *Server) handleVdfEvent(w http.ResponseWriter, r *http.Request) {
	link, err := s.store.GetLinkByEvent(r.Context(), mux.Vars(r)["event_id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_EVENT", "event has no chain link")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.chain.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	sent, err := s.store.ListAnchorsByStatus(r.Context(), core.AnchorSent)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	pending, err := s.anchors.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":           report,
		"anchors_sent":    len(sent),
		"anchors_pending": len(pending),
	})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()

	counts, err := s.store.CountDecisionsByReaderSince(r.Context(), now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	readers, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	byStatus := map[core.ReaderStatus]int{}
	for _, reader := range readers {
		byStatus[reader.Status]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions_24h":           total,
		"decisions_24h_by_reader": counts,
		"readers_total":           len(readers),
		"readers_by_status":       byStatus,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	chainLength := 0
	if n, err := s.store.CountLinks(r.Context()); err == nil {
		chainLength = n
	}
	pending, _ := s.anchors.Pending(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"env":             s.policy.Get().Server.Env,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"ingest_enabled":  s.ingestDisabled.Load().(string) == "",
		"chain_length":    chainLength,
		"vdf_queue_depth": s.chain.QueueDepth(),
		"anchors_pending": len(pending),
	})
}
