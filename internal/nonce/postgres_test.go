package nonce

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/store"
)

// newPostgresLedger needs a reachable database; set TEST_DATABASE_URL
// to run these (the store migration creates the nonces table).
func newPostgresLedger(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pg, err := store.NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return NewPostgres(pg.DB(), 10*time.Minute)
}

func TestPostgres_RejectsReplayAcrossLedgers(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reader := "reader-" + uuid.NewString()

	ok, err := l.Remember(ctx, reader, "abc123", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second ledger over the same database sees the nonce: this is
	// what an in-memory ledger loses on restart.
	other := NewPostgres(l.db, 10*time.Minute)
	ok, err = other.Remember(ctx, reader, "abc123", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := other.Seen(ctx, reader, "abc123", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPostgres_ExpiredNonceIsReusable(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	start := time.Now().UTC()
	reader := "reader-" + uuid.NewString()

	ok, err := l.Remember(ctx, reader, "old", start)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the retention window the same pair is acceptable again, even
	// before the sweeper reclaims the row.
	later := start.Add(11 * time.Minute)
	seen, err := l.Seen(ctx, reader, "old", later)
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err = l.Remember(ctx, reader, "old", later)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_SweepFreesExpired(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)
	reader := "reader-" + uuid.NewString()

	_, err := l.Remember(ctx, reader, "old", start)
	require.NoError(t, err)
	_, err = l.Remember(ctx, reader, "fresh", start.Add(55*time.Minute))
	require.NoError(t, err)

	removed, err := l.Sweep(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	ok, err := l.Remember(ctx, reader, "fresh", start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
