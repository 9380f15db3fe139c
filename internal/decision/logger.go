// Package decision persists the append-only decision log and fans each
// record out to live subscribers (the telemetry websocket).
package decision

import (
	"context"
	"log"
	"sync"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/store"
)

// Logger writes decision records and notifies subscribers. Broadcast is
// best-effort: a slow subscriber loses records rather than stalling
// ingest.
type Logger struct {
	store   store.DecisionStore
	metrics *metrics.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	subs   map[int]chan *core.DecisionRecord
	nextID int
}

func NewLogger(st store.DecisionStore, m *metrics.Metrics) *Logger {
	return &Logger{
		store:   st,
		metrics: m,
		logger:  log.New(log.Writer(), "[DECISION] ", log.LstdFlags),
		subs:    make(map[int]chan *core.DecisionRecord),
	}
}

// Log persists one record and broadcasts it.
func (l *Logger) Log(ctx context.Context, d *core.DecisionRecord) error {
	if err := l.store.AppendDecision(ctx, d); err != nil {
		return err
	}
	l.metrics.RecordDecision(string(d.Decision), d.RuleFlags)

	l.mu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- d:
		default:
		}
	}
	l.mu.Unlock()
	return nil
}

// Subscribe registers a live feed. The returned cancel func must be
// called to release the channel.
func (l *Logger) Subscribe() (<-chan *core.DecisionRecord, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan *core.DecisionRecord, 64)
	l.subs[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
}

// Get returns one record by event id.
func (l *Logger) Get(ctx context.Context, eventID string) (*core.DecisionRecord, error) {
	return l.store.GetDecision(ctx, eventID)
}

// Recent lists the latest records, optionally filtered by reader.
func (l *Logger) Recent(ctx context.Context, readerID string, limit int) ([]*core.DecisionRecord, error) {
	return l.store.ListDecisions(ctx, readerID, limit)
}
