package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
)

// LedgerClient submits one anchor to the external integrity ledger.
// The root hash doubles as the client reference, so resubmitting the
// same anchor is idempotent on the ledger side.
type LedgerClient interface {
	Submit(ctx context.Context, a *core.Anchor) (receipt string, err error)
}

// ErrPermanent marks a rejection that retrying cannot fix, such as a
// 4xx schema rejection. The queue parks the anchor as FAILED and waits
// for an operator retry instead of backing off.
var ErrPermanent = errors.New("permanent ledger rejection")

// SelectLedger builds the client variant named by policy.
func SelectLedger(cfg config.AnchorConfig) LedgerClient {
	switch cfg.Mode {
	case "real":
		return NewHTTPLedger(cfg.LedgerURL, cfg.Timeout())
	case "mock":
		return NewMockLedger()
	default:
		return NullLedger{}
	}
}

// NullLedger acknowledges locally without any external call.
type NullLedger struct{}

func (NullLedger) Submit(ctx context.Context, a *core.Anchor) (string, error) {
	return "local:" + a.RootHash[:16], nil
}

// MockLedger records submissions in memory for development and tests.
type MockLedger struct {
	mu       sync.Mutex
	receipts map[string]string
	// FailNext makes the next n submissions fail transiently; used to
	// exercise the backoff retry path.
	FailNext int
	// RejectNext makes the next n submissions fail permanently; used to
	// exercise the FAILED parking path.
	RejectNext int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{receipts: make(map[string]string)}
}

func (m *MockLedger) Submit(ctx context.Context, a *core.Anchor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return "", fmt.Errorf("mock ledger unavailable")
	}
	if m.RejectNext > 0 {
		m.RejectNext--
		return "", fmt.Errorf("mock ledger rejected anchor: %w", ErrPermanent)
	}
	// Idempotent on client reference.
	if r, ok := m.receipts[a.RootHash]; ok {
		return r, nil
	}
	r := fmt.Sprintf("mock:%s:%d", a.RootHash[:16], len(m.receipts)+1)
	m.receipts[a.RootHash] = r
	return r, nil
}

// Submissions returns how many distinct anchors were accepted.
func (m *MockLedger) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}

// HTTPLedger posts anchors to a REST ledger service.
type HTTPLedger struct {
	url    string
	client *http.Client
}

func NewHTTPLedger(url string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{url: url, client: &http.Client{Timeout: timeout}}
}

type ledgerRequest struct {
	ClientReference string `json:"client_reference"`
	RootHash        string `json:"root_hash"`
	SeqFrom         uint64 `json:"seq_from"`
	SeqTo           uint64 `json:"seq_to"`
}

type ledgerResponse struct {
	Receipt string `json:"receipt"`
}

func (h *HTTPLedger) Submit(ctx context.Context, a *core.Anchor) (string, error) {
	body, err := json.Marshal(ledgerRequest{
		ClientReference: a.RootHash,
		RootHash:        a.RootHash,
		SeqFrom:         a.SeqFrom,
		SeqTo:           a.SeqTo,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("ledger rejected anchor with %d: %w", resp.StatusCode, ErrPermanent)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	var out ledgerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ledger response: %w", err)
	}
	return out.Receipt, nil
}
