// Package nonce implements the replay ledger: every accepted
// (reader_id, nonce) pair is recorded once and rejected on reuse.
package nonce

import (
	"context"
	"sync"
	"time"
)

// Ledger records observed nonces. Remember returns false when the pair
// was already seen inside the retention window.
type Ledger interface {
	// Seen reports whether the pair is already recorded, without writing.
	// The verifier tests replay early but commits the nonce only on full
	// acceptance.
	Seen(ctx context.Context, readerID, nonce string, now time.Time) (bool, error)
	Remember(ctx context.Context, readerID, nonce string, now time.Time) (bool, error)
	// Sweep drops records older than the retention window and returns
	// how many were removed. Redis expires keys itself; its Sweep is a no-op.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Memory is the in-process ledger used in tests and single-node runs.
type Memory struct {
	retention time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{retention: retention, seen: make(map[string]time.Time)}
}

func key(readerID, nonce string) string { return readerID + ":" + nonce }

func (m *Memory) Seen(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.seen[key(readerID, nonce)]
	return ok && now.Sub(at) < m.retention, nil
}

func (m *Memory) Remember(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(readerID, nonce)
	if at, ok := m.seen[k]; ok && now.Sub(at) < m.retention {
		return false, nil
	}
	m.seen[k] = now
	return true, nil
}

func (m *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, at := range m.seen {
		if now.Sub(at) >= m.retention {
			delete(m.seen, k)
			removed++
		}
	}
	return removed, nil
}
