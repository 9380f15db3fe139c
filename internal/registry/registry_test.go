package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/store"
)

func TestRegister_InitialState(t *testing.T) {
	reg := New(store.NewMemory(), 120, 20)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, err := reg.Register(context.Background(), "reader-1", []byte("secret"), now)
	require.NoError(t, err)

	assert.Equal(t, 100, r.TrustScore)
	assert.Equal(t, core.StatusActive, r.Status)
	assert.Equal(t, 1, r.KeyVersion)

	_, err = reg.Register(context.Background(), "reader-1", []byte("other"), now)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRotateKey_BumpsVersion(t *testing.T) {
	reg := New(store.NewMemory(), 120, 20)
	ctx := context.Background()
	_, err := reg.Register(ctx, "reader-1", []byte("old"), time.Now())
	require.NoError(t, err)

	r, err := reg.RotateKey(ctx, "reader-1", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.KeyVersion)
	assert.Equal(t, []byte("new"), r.Secret)
}

func TestWithLock_SerializesSameReader(t *testing.T) {
	reg := New(store.NewMemory(), 120, 20)

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.WithLock("reader-1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestAllow_EnforcesBurst(t *testing.T) {
	reg := New(store.NewMemory(), 60, 3)

	allowed := 0
	for i := 0; i < 10; i++ {
		if reg.Allow("reader-1") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	// A different reader has its own bucket.
	assert.True(t, reg.Allow("reader-2"))
}
