package curation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "same")
			require.NoError(t, err)
			defer unlock()

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := k.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	k := newKeyedMutex()

	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, k.size())
}
