// Package httpapi exposes the toll core over REST/JSON: the reader
// ingest endpoint, the admin surface and the read-only telemetry
// endpoints, plus the live decision websocket feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/htms/backend/internal/anchor"
	"github.com/htms/backend/internal/clock"
	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/decision"
	"github.com/htms/backend/internal/ingest"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

// Server wires the core components to their HTTP routes.
type Server struct {
	policy    *config.Manager
	pipeline  *ingest.Pipeline
	registry  *registry.Registry
	trust     *trust.Engine
	healer    *trust.Healer
	chain     *vdf.Chain
	anchors   *anchor.Queue
	decisions *decision.Logger
	store     store.Store
	nonces    nonce.Ledger
	clock     clock.Clock
	logger    *log.Logger
	startedAt time.Time

	// ingestDisabled is set when startup chain verification fails; the
	// admin surface stays up for recovery while ingest refuses to serve.
	ingestDisabled atomic.Value // string reason, "" when serving
}

func NewServer(
	policy *config.Manager,
	pipeline *ingest.Pipeline,
	reg *registry.Registry,
	engine *trust.Engine,
	healer *trust.Healer,
	chain *vdf.Chain,
	anchors *anchor.Queue,
	decisions *decision.Logger,
	st store.Store,
	nonces nonce.Ledger,
) *Server {
	s := &Server{
		policy:    policy,
		pipeline:  pipeline,
		registry:  reg,
		trust:     engine,
		healer:    healer,
		chain:     chain,
		anchors:   anchors,
		decisions: decisions,
		store:     st,
		nonces:    nonces,
		clock:     clock.System{},
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt: time.Now().UTC(),
	}
	s.ingestDisabled.Store("")
	return s
}

// DisableIngest puts the server into recovery mode: ingest returns 503
// while admin and telemetry stay reachable.
func (s *Server) DisableIngest(reason string) {
	s.ingestDisabled.Store(reason)
	s.logger.Printf("⚠️ ingest disabled: %s", reason)
}

// EnableIngest lifts recovery mode.
func (s *Server) EnableIngest() {
	s.ingestDisabled.Store("")
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/time", s.handleTime).Methods("GET")
	r.HandleFunc("/api/toll", s.handleIngest).Methods("POST")
	r.HandleFunc("/api/card/{tag_hash}", s.handleCard).Methods("GET")

	// Read-only telemetry.
	r.HandleFunc("/readers", s.handleReaders).Methods("GET")
	r.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	r.HandleFunc("/quarantines", s.handleQuarantines).Methods("GET")
	r.HandleFunc("/vdf/state", s.handleVdfState).Methods("GET")
	r.HandleFunc("/vdf/event/{event_id}", s.handleVdfEvent).Methods("GET")
	r.HandleFunc("/blockchain/audit", s.handleAudit).Methods("GET")
	r.HandleFunc("/stats/summary", s.handleStatsSummary).Methods("GET")
	r.HandleFunc("/system/status", s.handleSystemStatus).Methods("GET")
	r.HandleFunc("/ws/decisions", s.handleDecisionFeed)
	r.Handle("/metrics", promhttp.Handler())

	// Reader-facing probation responses are authenticated by challenge
	// ID possession, not the admin key.
	r.HandleFunc("/probation/respond", s.handleProbationRespond).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminKey)
	admin.HandleFunc("/reader/register", s.handleRegister).Methods("POST")
	admin.HandleFunc("/reader/rotate", s.handleRotate).Methods("POST")
	admin.HandleFunc("/reader/trust/reset", s.handleTrustReset).Methods("POST")
	admin.HandleFunc("/reader/force_quarantine", s.handleForceQuarantine).Methods("POST")
	admin.HandleFunc("/peer_vote", s.handlePeerVote).Methods("POST")
	admin.HandleFunc("/vdf/verify", s.handleVdfVerify).Methods("POST")
	admin.HandleFunc("/vdf/reseed", s.handleVdfReseed).Methods("POST")
	admin.HandleFunc("/anchor/pending", s.handleAnchorPending).Methods("GET")
	admin.HandleFunc("/anchor/retry", s.handleAnchorRetry).Methods("POST")
	admin.HandleFunc("/nonces/clear", s.handleNoncesClear).Methods("POST")
	admin.HandleFunc("/policy/reload", s.handlePolicyReload).Methods("POST")

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}

// rejectStatus maps a verifier rejection to its HTTP status: 401 for
// crypto failures, 408 for drift, 409 for replay, 423 for suspension,
// 429 for rate limiting.
func rejectStatus(code ingest.RejectCode) int {
	switch code {
	case ingest.RejectStaleTimestamp:
		return http.StatusRequestTimeout
	case ingest.RejectReplay:
		return http.StatusConflict
	case ingest.RejectReaderSuspended:
		return http.StatusLocked
	case ingest.RejectRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d", s.clock.Now().Unix())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if reason := s.ingestDisabled.Load().(string); reason != "" {
		writeError(w, http.StatusServiceUnavailable, "INGEST_DISABLED", reason)
		return
	}

	var ev core.TollEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
		return
	}
	if ev.TagHash == "" || ev.ReaderID == "" || ev.Nonce == "" || ev.Signature == "" {
		writeError(w, http.StatusBadRequest, "MALFORMED", "tag_hash, reader_id, nonce and signature are required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, rej, err := s.pipeline.Process(ctx, &ev, s.clock.Now())
	if err != nil {
		s.logger.Printf("ingest for reader %s failed: %v", ev.ReaderID, err)
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", "event processing failed")
		return
	}
	if rej != nil {
		writeError(w, rejectStatus(rej.Code), string(rej.Code), rej.Detail)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.store.GetCard(r.Context(), mux.Vars(r)["tag_hash"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "UNKNOWN_TAG", "card not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// requestContext bounds one ingest request by the policy deadline so a
// stalled dependency cannot leave partial state.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.policy.Get().Ingest.RequestTimeout())
}
