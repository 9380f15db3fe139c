// Package store defines the persistence boundary of the toll core. The
// core components program against these interfaces; Memory backs tests
// and development, Postgres backs production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/htms/backend/internal/core"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a uniqueness constraint would be violated.
var ErrConflict = errors.New("record already exists")

// ReaderStore persists reader identities and trust state.
type ReaderStore interface {
	CreateReader(ctx context.Context, r *core.Reader) error
	GetReader(ctx context.Context, readerID string) (*core.Reader, error)
	UpdateReader(ctx context.Context, r *core.Reader) error
	ListReaders(ctx context.Context) ([]*core.Reader, error)
}

// CardStore persists cards and tariffs.
type CardStore interface {
	GetCard(ctx context.Context, tagHash string) (*core.Card, error)
	ListCards(ctx context.Context, limit int) ([]*core.Card, error)
	UpsertCard(ctx context.Context, c *core.Card) error
	UpdateCardBalance(ctx context.Context, tagHash string, balance float64, lastSeen time.Time) error
	GetTariff(ctx context.Context, vehicleType string) (*core.Tariff, error)
	UpsertTariff(ctx context.Context, t *core.Tariff) error
}

// DecisionStore is the append-only decision telemetry log.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d *core.DecisionRecord) error
	GetDecision(ctx context.Context, eventID string) (*core.DecisionRecord, error)
	ListDecisions(ctx context.Context, readerID string, limit int) ([]*core.DecisionRecord, error)
	// ListUnchainedDecisions returns decisions with no VDF link yet, in
	// append order. Drives the chain reconciliation pass.
	ListUnchainedDecisions(ctx context.Context, limit int) ([]*core.DecisionRecord, error)
	// CountDecisionsByReaderSince feeds the cross-reader outlier snapshot.
	CountDecisionsByReaderSince(ctx context.Context, since time.Time) (map[string]int, error)
	// DistinctTagsSeenBy returns tag hashes this reader processed since
	// the given time. Used for suspicion propagation on quarantine.
	DistinctTagsSeenBy(ctx context.Context, readerID string, since time.Time) ([]string, error)
}

// ChainStore persists the append-only VDF chain.
type ChainStore interface {
	AppendLink(ctx context.Context, l *core.VdfLink) error
	HeadLink(ctx context.Context) (*core.VdfLink, error)
	GetLink(ctx context.Context, seq uint64) (*core.VdfLink, error)
	GetLinkByEvent(ctx context.Context, eventID string) (*core.VdfLink, error)
	ListLinks(ctx context.Context, from, to uint64) ([]*core.VdfLink, error)
	CountLinks(ctx context.Context) (int, error)
}

// AnchorStore persists ledger anchor submissions.
type AnchorStore interface {
	CreateAnchor(ctx context.Context, a *core.Anchor) error
	UpdateAnchor(ctx context.Context, a *core.Anchor) error
	GetAnchor(ctx context.Context, id int64) (*core.Anchor, error)
	ListAnchorsByStatus(ctx context.Context, status core.AnchorStatus) ([]*core.Anchor, error)
	LatestAnchor(ctx context.Context) (*core.Anchor, error)
}

// HealingStore persists quarantine, probation and consensus records.
type HealingStore interface {
	CreateQuarantine(ctx context.Context, q *core.Quarantine) error
	UpdateQuarantine(ctx context.Context, q *core.Quarantine) error
	GetQuarantine(ctx context.Context, id int64) (*core.Quarantine, error)
	ActiveQuarantine(ctx context.Context, readerID string) (*core.Quarantine, error)
	ListActiveQuarantines(ctx context.Context) ([]*core.Quarantine, error)

	CreateChallenge(ctx context.Context, c *core.ProbationChallenge) error
	UpdateChallenge(ctx context.Context, c *core.ProbationChallenge) error
	GetChallenge(ctx context.Context, id string) (*core.ProbationChallenge, error)
	ListChallenges(ctx context.Context, quarantineID int64) ([]*core.ProbationChallenge, error)

	// UpsertVote records a restoration vote; a repeat vote by the same
	// voter replaces the earlier one (latest wins within the window).
	UpsertVote(ctx context.Context, v *core.PeerVote) error
	ListVotes(ctx context.Context, quarantineID int64) ([]*core.PeerVote, error)

	UpsertSuspicion(ctx context.Context, s *core.TagSuspicion) error
	MaxSuspicion(ctx context.Context, tagHash string, now time.Time) (float64, error)
	DeleteExpiredSuspicions(ctx context.Context, now time.Time) (int, error)
	DeleteSuspicionsBySource(ctx context.Context, readerID string) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	ReaderStore
	CardStore
	DecisionStore
	ChainStore
	AnchorStore
	HealingStore
}
