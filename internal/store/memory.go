package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/htms/backend/internal/core"
)

// Memory is an in-process Store. It backs tests, development and the
// simulation harness; the locking is coarse because correctness, not
// throughput, is what matters here.
type Memory struct {
	mu sync.RWMutex

	readers   map[string]*core.Reader
	cards     map[string]*core.Card
	tariffs   map[string]*core.Tariff
	decisions []*core.DecisionRecord
	decByID   map[string]*core.DecisionRecord

	links       []*core.VdfLink
	linkByEvent map[string]*core.VdfLink

	anchors      []*core.Anchor
	nextAnchorID int64

	quarantines []*core.Quarantine
	nextQuarID  int64
	challenges  map[string]*core.ProbationChallenge
	votes       map[int64]map[string]*core.PeerVote // quarantineID → voter → vote
	suspicions  map[string]map[string]*core.TagSuspicion
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		readers:      make(map[string]*core.Reader),
		cards:        make(map[string]*core.Card),
		tariffs:      make(map[string]*core.Tariff),
		decByID:      make(map[string]*core.DecisionRecord),
		linkByEvent:  make(map[string]*core.VdfLink),
		challenges:   make(map[string]*core.ProbationChallenge),
		votes:        make(map[int64]map[string]*core.PeerVote),
		suspicions:   make(map[string]map[string]*core.TagSuspicion),
		nextAnchorID: 1,
		nextQuarID:   1,
	}
}

// ---- readers ----

func (m *Memory) CreateReader(ctx context.Context, r *core.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[r.ReaderID]; ok {
		return ErrConflict
	}
	cp := *r
	m.readers[r.ReaderID] = &cp
	return nil
}

func (m *Memory) GetReader(ctx context.Context, readerID string) (*core.Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[readerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateReader(ctx context.Context, r *core.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[r.ReaderID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.readers[r.ReaderID] = &cp
	return nil
}

func (m *Memory) ListReaders(ctx context.Context) ([]*core.Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Reader, 0, len(m.readers))
	for _, r := range m.readers {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderID < out[j].ReaderID })
	return out, nil
}

// ---- cards & tariffs ----

func (m *Memory) GetCard(ctx context.Context, tagHash string) (*core.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[tagHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCards(ctx context.Context, limit int) ([]*core.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Card, 0, len(m.cards))
	for _, c := range m.cards {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagHash < out[j].TagHash })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertCard(ctx context.Context, c *core.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cards[c.TagHash] = &cp
	return nil
}

func (m *Memory) UpdateCardBalance(ctx context.Context, tagHash string, balance float64, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[tagHash]
	if !ok {
		return ErrNotFound
	}
	c.Balance = balance
	c.LastSeen = lastSeen
	return nil
}

func (m *Memory) GetTariff(ctx context.Context, vehicleType string) (*core.Tariff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tariffs[vehicleType]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpsertTariff(ctx context.Context, t *core.Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tariffs[t.VehicleType] = &cp
	return nil
}

// ---- decisions ----

func (m *Memory) AppendDecision(ctx context.Context, d *core.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decByID[d.EventID]; ok {
		return ErrConflict
	}
	cp := *d
	m.decisions = append(m.decisions, &cp)
	m.decByID[d.EventID] = &cp
	return nil
}

func (m *Memory) GetDecision(ctx context.Context, eventID string) (*core.DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decByID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDecisions(ctx context.Context, readerID string, limit int) ([]*core.DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.DecisionRecord, 0, limit)
	for i := len(m.decisions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		d := m.decisions[i]
		if readerID != "" && d.ReaderID != readerID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListUnchainedDecisions(ctx context.Context, limit int) ([]*core.DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.DecisionRecord
	for _, d := range m.decisions {
		if _, chained := m.linkByEvent[d.EventID]; chained {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountDecisionsByReaderSince(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, d := range m.decisions {
		if d.CreatedAt.Before(since) {
			continue
		}
		counts[d.ReaderID]++
	}
	return counts, nil
}

func (m *Memory) DistinctTagsSeenBy(ctx context.Context, readerID string, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range m.decisions {
		if d.ReaderID != readerID || d.CreatedAt.Before(since) || seen[d.TagHash] {
			continue
		}
		seen[d.TagHash] = true
		out = append(out, d.TagHash)
	}
	return out, nil
}

// ---- vdf chain ----

func (m *Memory) AppendLink(ctx context.Context, l *core.VdfLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) > 0 && m.links[len(m.links)-1].Seq+1 != l.Seq {
		return ErrConflict
	}
	if len(m.links) == 0 && l.Seq != 0 {
		return ErrConflict
	}
	cp := *l
	cp.Checkpoints = append([]string(nil), l.Checkpoints...)
	m.links = append(m.links, &cp)
	if l.EventID != "" {
		m.linkByEvent[l.EventID] = &cp
	}
	return nil
}

func (m *Memory) HeadLink(ctx context.Context) (*core.VdfLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.links) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.links[len(m.links)-1]
	return &cp, nil
}

func (m *Memory) GetLink(ctx context.Context, seq uint64) (*core.VdfLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Lookup by Seq, not slice position: DropLink can leave holes.
	for _, l := range m.links {
		if l.Seq == seq {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetLinkByEvent(ctx context.Context, eventID string) (*core.VdfLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.linkByEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) ListLinks(ctx context.Context, from, to uint64) ([]*core.VdfLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.VdfLink
	for _, l := range m.links {
		if l.Seq < from || l.Seq > to {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CountLinks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links), nil
}

// MutateLink edits a stored link in place. Test hook for tamper
// scenarios; not part of the Store interface.
func (m *Memory) MutateLink(seq uint64, fn func(*core.VdfLink)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Seq == seq {
			fn(l)
			return true
		}
	}
	return false
}

// DropLink removes a stored link entirely. Test hook for deletion-tamper
// scenarios.
func (m *Memory) DropLink(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.links {
		if l.Seq == seq {
			delete(m.linkByEvent, l.EventID)
			m.links = append(m.links[:i], m.links[i+1:]...)
			return true
		}
	}
	return false
}

// DropDecision removes a decision row. Test hook for deletion-tamper
// scenarios.
func (m *Memory) DropDecision(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decByID[eventID]; !ok {
		return false
	}
	delete(m.decByID, eventID)
	for i, d := range m.decisions {
		if d.EventID == eventID {
			m.decisions = append(m.decisions[:i], m.decisions[i+1:]...)
			break
		}
	}
	return true
}

// ---- anchors ----

func (m *Memory) CreateAnchor(ctx context.Context, a *core.Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextAnchorID
	m.nextAnchorID++
	cp := *a
	m.anchors = append(m.anchors, &cp)
	return nil
}

func (m *Memory) UpdateAnchor(ctx context.Context, a *core.Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.anchors {
		if existing.ID == a.ID {
			cp := *a
			m.anchors[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetAnchor(ctx context.Context, id int64) (*core.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.anchors {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListAnchorsByStatus(ctx context.Context, status core.AnchorStatus) ([]*core.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Anchor
	for _, a := range m.anchors {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) LatestAnchor(ctx context.Context) (*core.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.anchors) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.anchors[len(m.anchors)-1]
	return &cp, nil
}

// ---- quarantine / probation / consensus ----

func (m *Memory) CreateQuarantine(ctx context.Context, q *core.Quarantine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = m.nextQuarID
	m.nextQuarID++
	cp := *q
	m.quarantines = append(m.quarantines, &cp)
	return nil
}

func (m *Memory) UpdateQuarantine(ctx context.Context, q *core.Quarantine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.quarantines {
		if existing.ID == q.ID {
			cp := *q
			m.quarantines[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetQuarantine(ctx context.Context, id int64) (*core.Quarantine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.quarantines {
		if q.ID == id {
			cp := *q
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ActiveQuarantine(ctx context.Context, readerID string) (*core.Quarantine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.quarantines) - 1; i >= 0; i-- {
		q := m.quarantines[i]
		if q.ReaderID == readerID && q.ClearedAt == nil {
			cp := *q
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveQuarantines(ctx context.Context) ([]*core.Quarantine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Quarantine
	for _, q := range m.quarantines {
		if q.ClearedAt == nil {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateChallenge(ctx context.Context, c *core.ProbationChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[c.ID]; ok {
		return ErrConflict
	}
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *Memory) UpdateChallenge(ctx context.Context, c *core.ProbationChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *Memory) GetChallenge(ctx context.Context, id string) (*core.ProbationChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListChallenges(ctx context.Context, quarantineID int64) ([]*core.ProbationChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ProbationChallenge
	for _, c := range m.challenges {
		if c.QuarantineID == quarantineID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertVote(ctx context.Context, v *core.PeerVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVoter, ok := m.votes[v.QuarantineID]
	if !ok {
		byVoter = make(map[string]*core.PeerVote)
		m.votes[v.QuarantineID] = byVoter
	}
	cp := *v
	byVoter[v.VoterReader] = &cp
	return nil
}

func (m *Memory) ListVotes(ctx context.Context, quarantineID int64) ([]*core.PeerVote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.PeerVote
	for _, v := range m.votes[quarantineID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterReader < out[j].VoterReader })
	return out, nil
}

// ---- tag suspicion ----

func (m *Memory) UpsertSuspicion(ctx context.Context, s *core.TagSuspicion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySource, ok := m.suspicions[s.TagHash]
	if !ok {
		bySource = make(map[string]*core.TagSuspicion)
		m.suspicions[s.TagHash] = bySource
	}
	cp := *s
	bySource[s.SourceReaderID] = &cp
	return nil
}

func (m *Memory) MaxSuspicion(ctx context.Context, tagHash string, now time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 1.0
	for _, s := range m.suspicions[tagHash] {
		if s.ExpiresAt.After(now) && s.Multiplier > max {
			max = s.Multiplier
		}
	}
	return max, nil
}

func (m *Memory) DeleteExpiredSuspicions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for tag, bySource := range m.suspicions {
		for src, s := range bySource {
			if !s.ExpiresAt.After(now) {
				delete(bySource, src)
				deleted++
			}
		}
		if len(bySource) == 0 {
			delete(m.suspicions, tag)
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteSuspicionsBySource(ctx context.Context, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag, bySource := range m.suspicions {
		delete(bySource, readerID)
		if len(bySource) == 0 {
			delete(m.suspicions, tag)
		}
	}
	return nil
}
