// Package registry serializes per-reader state transitions. Ingest,
// trust updates and probation flow for the same reader all run under
// that reader's lock; different readers proceed in parallel.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
)

const lockShards = 64

// Registry fronts the reader store with per-reader locking and the
// per-reader ingest rate limiters.
type Registry struct {
	readers store.ReaderStore

	locks [lockShards]sync.Mutex

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   float64
	burst    int
}

func New(readers store.ReaderStore, perMinute float64, burst int) *Registry {
	return &Registry{
		readers:  readers,
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMinute,
		burst:    burst,
	}
}

func shardFor(readerID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(readerID))
	return h.Sum32() % lockShards
}

// WithLock runs fn while holding the reader's logical lock. Lock
// striping bounds memory; collisions only cost parallelism.
func (r *Registry) WithLock(readerID string, fn func() error) error {
	s := &r.locks[shardFor(readerID)]
	s.Lock()
	defer s.Unlock()
	return fn()
}

// Allow consumes one token from the reader's rate limiter.
func (r *Registry) Allow(readerID string) bool {
	r.mu.Lock()
	lim, ok := r.limiters[readerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.perMin/60.0), r.burst)
		r.limiters[readerID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Register creates a reader with full initial trust.
func (r *Registry) Register(ctx context.Context, readerID string, secret []byte, now time.Time) (*core.Reader, error) {
	reader := &core.Reader{
		ReaderID:          readerID,
		Secret:            secret,
		KeyVersion:        1,
		TrustScore:        100,
		Status:            core.StatusActive,
		LastTrustUpdateAt: now,
		RegisteredAt:      now,
	}
	if err := r.readers.CreateReader(ctx, reader); err != nil {
		return nil, err
	}
	return reader, nil
}

// RotateKey installs a new secret and bumps the key version.
func (r *Registry) RotateKey(ctx context.Context, readerID string, secret []byte) (*core.Reader, error) {
	var out *core.Reader
	err := r.WithLock(readerID, func() error {
		reader, err := r.readers.GetReader(ctx, readerID)
		if err != nil {
			return err
		}
		reader.Secret = secret
		reader.KeyVersion++
		if err := r.readers.UpdateReader(ctx, reader); err != nil {
			return err
		}
		out = reader
		return nil
	})
	return out, err
}

// Get returns the reader without taking its lock.
func (r *Registry) Get(ctx context.Context, readerID string) (*core.Reader, error) {
	return r.readers.GetReader(ctx, readerID)
}

// List returns all readers.
func (r *Registry) List(ctx context.Context) ([]*core.Reader, error) {
	return r.readers.ListReaders(ctx)
}
