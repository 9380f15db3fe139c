package config

import (
	"log"
	"sync/atomic"
)

// Manager hands out immutable policy snapshots and supports live reload.
// Readers call Get on every use; a reload swaps the whole pointer so a
// request never observes a half-updated policy.
type Manager struct {
	path     string
	snapshot atomic.Value // *Policy
}

// NewManager loads the policy file at path. An empty path starts from the
// built-in defaults (used in tests and development).
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}

	var cfg *Policy
	var err error
	if path == "" {
		cfg = Default()
	} else if cfg, err = Load(path); err != nil {
		return nil, err
	}

	m.snapshot.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already-built policy. Test helper.
func NewStaticManager(cfg *Policy) *Manager {
	m := &Manager{}
	m.snapshot.Store(cfg)
	return m
}

// Get returns the current policy snapshot. The returned value must be
// treated as read-only.
func (m *Manager) Get() *Policy {
	return m.snapshot.Load().(*Policy)
}

// Reload re-reads the policy file and atomically swaps the snapshot.
// On error the previous snapshot stays in effect.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		log.Printf("policy reload rejected, keeping previous snapshot: %v", err)
		return err
	}
	m.snapshot.Store(cfg)
	log.Printf("policy reloaded from %s", m.path)
	return nil
}

// Swap installs cfg as the current snapshot. Used by tests and by the
// admin surface after programmatic edits.
func (m *Manager) Swap(cfg *Policy) {
	m.snapshot.Store(cfg)
}
