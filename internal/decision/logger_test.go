package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
)

func record(id string) *core.DecisionRecord {
	return &core.DecisionRecord{
		EventID:   id,
		ReaderID:  "R1",
		TagHash:   "tag-1",
		Decision:  core.DecisionAllow,
		Amount:    50,
		CreatedAt: time.Now().UTC(),
	}
}

func TestLog_PersistsAndRejectsDuplicates(t *testing.T) {
	l := NewLogger(store.NewMemory(), nil)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, record("ev-1")))
	assert.ErrorIs(t, l.Log(ctx, record("ev-1")), store.ErrConflict)

	got, err := l.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "R1", got.ReaderID)
}

func TestSubscribe_ReceivesBroadcast(t *testing.T) {
	l := NewLogger(store.NewMemory(), nil)
	ctx := context.Background()

	ch, cancel := l.Subscribe()
	defer cancel()

	require.NoError(t, l.Log(ctx, record("ev-1")))

	select {
	case d := <-ch:
		assert.Equal(t, "ev-1", d.EventID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	l := NewLogger(store.NewMemory(), nil)
	ctx := context.Background()

	ch, cancel := l.Subscribe()
	cancel()
	// Cancel twice is safe.
	cancel()

	require.NoError(t, l.Log(ctx, record("ev-1")))
	_, open := <-ch
	assert.False(t, open)
}

func TestRecent_FiltersByReader(t *testing.T) {
	l := NewLogger(store.NewMemory(), nil)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, record("ev-1")))
	other := record("ev-2")
	other.ReaderID = "R2"
	require.NoError(t, l.Log(ctx, other))

	got, err := l.Recent(ctx, "R2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-2", got[0].EventID)
}
