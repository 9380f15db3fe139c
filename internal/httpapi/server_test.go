package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/anchor"
	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/cryptoutil"
	"github.com/htms/backend/internal/decision"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/ingest"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

const adminKey = "test-admin-key"

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AdminKey = adminKey
	cfg.VDF.Difficulty = 25
	cfg.VDF.ResponseAwaitsVDF = true
	policy := config.NewStaticManager(cfg)

	mem := store.NewMemory()
	reg := registry.New(mem, cfg.Ingest.RatePerMinute, cfg.Ingest.Burst)
	nonces := nonce.NewMemory(cfg.Ingest.NonceRetention())
	verifier := ingest.NewVerifier(policy, reg, nonces)
	detector := fraud.NewDetector(policy, fraud.NullScorer{}, nil, mem)
	engine := trust.NewEngine(policy, mem, nil)
	healer := trust.NewHealer(policy, mem, nil)
	decisions := decision.NewLogger(mem, nil)
	chain := vdf.NewChain(policy, mem, nil)
	queue := anchor.NewQueue(policy, mem, anchor.NewMockLedger(), nil)
	pipeline := ingest.NewPipeline(policy, reg, verifier, detector, engine, decisions, chain, mem, nil)

	require.NoError(t, chain.EnsureGenesis(context.Background()))
	return NewServer(policy, pipeline, reg, engine, healer, chain, queue, decisions, mem, nonces), mem
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"X-API-Key": adminKey}
}

// registerReader provisions a reader through the admin surface and
// returns its secret.
func registerReader(t *testing.T, s *Server, readerID string) []byte {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/admin/reader/register",
		map[string]string{"reader_id": readerID}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	secret, err := hex.DecodeString(out.Secret)
	require.NoError(t, err)
	return secret
}

func tollBody(secret []byte, readerID, nonceStr string, ts int64) map[string]interface{} {
	return map[string]interface{}{
		"tag_hash":    "tag-1",
		"reader_id":   readerID,
		"timestamp":   ts,
		"nonce":       nonceStr,
		"signature":   cryptoutil.SignEvent(secret, "tag-1", readerID, ts, nonceStr),
		"key_version": 1,
	}
}

func seedCard(t *testing.T, mem *store.Memory, balance float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.UpsertCard(ctx, &core.Card{
		TagHash: "tag-1", Balance: balance, VehicleType: "CAR", TariffClass: "STANDARD",
	}))
	require.NoError(t, mem.UpsertTariff(ctx, &core.Tariff{VehicleType: "CAR", Amount: 50}))
}

func TestIngest_AllowFlow(t *testing.T) {
	s, mem := newTestServer(t)
	secret := registerReader(t, s, "R1")
	seedCard(t, mem, 500)

	rec := doJSON(t, s, http.MethodPost, "/api/toll",
		tollBody(secret, "R1", "n1", time.Now().Unix()), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out ingest.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, core.DecisionAllow, out.Decision)
	assert.NotEmpty(t, out.EventID)
	require.NotNil(t, out.VdfSeq)
	assert.Equal(t, uint64(1), *out.VdfSeq)

	card, err := mem.GetCard(context.Background(), "tag-1")
	require.NoError(t, err)
	assert.InDelta(t, 450, card.Balance, 0.001)
}

func TestIngest_RejectionStatusCodes(t *testing.T) {
	s, mem := newTestServer(t)
	secret := registerReader(t, s, "R1")
	seedCard(t, mem, 500)
	now := time.Now().Unix()

	// Tampered signature → 401.
	body := tollBody(secret, "R1", "n1", now)
	body["signature"] = "deadbeef"
	rec := doJSON(t, s, http.MethodPost, "/api/toll", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_SIGNATURE")

	// Stale timestamp → 408.
	rec = doJSON(t, s, http.MethodPost, "/api/toll", tollBody(secret, "R1", "n2", now-10000), nil)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)

	// Replay → 409 (and the reader lands in quarantine → 423 after).
	rec = doJSON(t, s, http.MethodPost, "/api/toll", tollBody(secret, "R1", "n3", now), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/toll", tollBody(secret, "R1", "n3", now), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/toll", tollBody(secret, "R1", "n4", now), nil)
	assert.Equal(t, http.StatusLocked, rec.Code)

	// Unknown reader → 401.
	rec = doJSON(t, s, http.MethodPost, "/api/toll", tollBody(secret, "ghost", "n5", now), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngest_Malformed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/toll", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/toll", map[string]string{"reader_id": "R1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest_DisabledForRecovery(t *testing.T) {
	s, _ := newTestServer(t)
	s.DisableIngest("chain verification failed at startup")

	rec := doJSON(t, s, http.MethodPost, "/api/toll", map[string]string{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "INGEST_DISABLED")

	// Admin stays reachable for recovery.
	rec = doJSON(t, s, http.MethodGet, "/admin/anchor/pending", nil, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTimeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/time", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts, err := strconv.ParseInt(strings.TrimSpace(rec.Body.String()), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), ts, 5)
}

func TestCardEndpoint(t *testing.T) {
	s, mem := newTestServer(t)
	seedCard(t, mem, 500)

	rec := doJSON(t, s, http.MethodGet, "/api/card/tag-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var card core.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.InDelta(t, 500, card.Balance, 0.001)

	rec = doJSON(t, s, http.MethodGet, "/api/card/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_RequiresKey(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/admin/reader/register",
		map[string]string{"reader_id": "R1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/admin/reader/register",
		map[string]string{"reader_id": "R1"}, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_RegisterAndRotate(t *testing.T) {
	s, mem := newTestServer(t)
	registerReader(t, s, "R1")

	// Duplicate registration is refused.
	rec := doJSON(t, s, http.MethodPost, "/admin/reader/register",
		map[string]string{"reader_id": "R1"}, adminHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/admin/reader/rotate",
		map[string]string{"reader_id": "R1"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		KeyVersion int `json:"key_version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.KeyVersion)

	r, err := mem.GetReader(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.KeyVersion)
}

func TestAdmin_TrustResetAndForceQuarantine(t *testing.T) {
	s, mem := newTestServer(t)
	registerReader(t, s, "R1")

	rec := doJSON(t, s, http.MethodPost, "/admin/reader/force_quarantine",
		map[string]string{"reader_id": "R1", "reason": "BALANCE_MANIPULATION"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	r, err := mem.GetReader(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQuarantined, r.Status)

	rec = doJSON(t, s, http.MethodPost, "/admin/reader/trust/reset",
		map[string]interface{}{"reader_id": "R1", "score": 0}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	r, err = mem.GetReader(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 100, r.TrustScore)
	assert.Equal(t, core.StatusActive, r.Status)
}

func TestAdmin_VdfVerifyAndReseed(t *testing.T) {
	s, mem := newTestServer(t)
	secret := registerReader(t, s, "R1")
	seedCard(t, mem, 500)

	rec := doJSON(t, s, http.MethodPost, "/admin/vdf/verify", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var report vdf.VerifyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Valid)

	// Reseeding a non-empty chain is refused; the genesis link exists.
	rec = doJSON(t, s, http.MethodPost, "/admin/vdf/reseed",
		map[string]string{"seed": "NEW_SEED"}, adminHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Single-event verification.
	rec = doJSON(t, s, http.MethodPost, "/api/toll",
		tollBody(secret, "R1", "n1", time.Now().Unix()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingest.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, s, http.MethodPost, "/admin/vdf/verify",
		map[string]string{"event_id": resp.EventID}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestAdmin_AnchorPendingAndRetry(t *testing.T) {
	s, mem := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/admin/anchor/pending", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)

	require.NoError(t, mem.CreateAnchor(context.Background(), &core.Anchor{
		SeqFrom: 1, SeqTo: 10, RootHash: strings.Repeat("ab", 32),
		Status: core.AnchorFailed, Attempts: 3, CreatedAt: time.Now().UTC(),
	}))

	rec = doJSON(t, s, http.MethodGet, "/admin/anchor/pending", nil, adminHeaders())
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = doJSON(t, s, http.MethodPost, "/admin/anchor/retry",
		map[string]int64{"anchor_id": 1}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var a core.Anchor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, core.AnchorSent, a.Status)
}

func TestTelemetry_Endpoints(t *testing.T) {
	s, mem := newTestServer(t)
	secret := registerReader(t, s, "R1")
	seedCard(t, mem, 500)

	rec := doJSON(t, s, http.MethodPost, "/api/toll",
		tollBody(secret, "R1", "n1", time.Now().Unix()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/readers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reader_id":"R1"`)

	rec = doJSON(t, s, http.MethodGet, "/decisions?reader_id=R1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"decision":"allow"`)

	rec = doJSON(t, s, http.MethodGet, "/vdf/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"head_seq":1`)

	rec = doJSON(t, s, http.MethodGet, "/blockchain/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = doJSON(t, s, http.MethodGet, "/stats/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"decisions_24h":1`)

	rec = doJSON(t, s, http.MethodGet, "/system/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ingest_enabled":true`)

	rec = doJSON(t, s, http.MethodGet, "/quarantines", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecisionFeed_Websocket(t *testing.T) {
	s, mem := newTestServer(t)
	secret := registerReader(t, s, "R1")
	seedCard(t, mem, 500)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/decisions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the handler register its subscription before the event lands.
	time.Sleep(50 * time.Millisecond)

	body, err := json.Marshal(tollBody(secret, "R1", "n1", time.Now().Unix()))
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/toll", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var d core.DecisionRecord
	require.NoError(t, conn.ReadJSON(&d))
	assert.Equal(t, "R1", d.ReaderID)
	assert.Equal(t, core.DecisionAllow, d.Decision)
}

func TestProbationRespond_UnknownChallenge(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/probation/respond",
		map[string]string{"challenge_id": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPeerVote_FlowsThroughHealer(t *testing.T) {
	s, mem := newTestServer(t)
	registerReader(t, s, "R1")
	registerReader(t, s, "R2")

	rec := doJSON(t, s, http.MethodPost, "/admin/reader/force_quarantine",
		map[string]string{"reader_id": "R1"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	q, err := mem.ActiveQuarantine(context.Background(), "R1")
	require.NoError(t, err)

	// Self-vote is refused.
	rec = doJSON(t, s, http.MethodPost, "/admin/peer_vote",
		map[string]interface{}{"quarantine_id": q.ID, "voter_reader_id": "R1", "vote": "APPROVE"},
		adminHeaders())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/admin/peer_vote",
		map[string]interface{}{"quarantine_id": q.ID, "voter_reader_id": "R2", "vote": "APPROVE"},
		adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"vote":"recorded"`)

	votes, err := mem.ListVotes(context.Background(), q.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "APPROVE", votes[0].Vote)
}

func TestNoncesClear(t *testing.T) {
	s, _ := newTestServer(t)

	now := time.Now().UTC()
	_, err := s.nonces.Remember(context.Background(), "R1", "old", now.Add(-time.Hour))
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/admin/nonces/clear",
		map[string]int64{"before": now.Unix()}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":1`)
}

func TestPolicyReload_NoFileIsNoop(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/admin/policy/reload", nil, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
}
