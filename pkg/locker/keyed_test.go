package locker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockUnlock(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "enrollment:1")
	require.NoError(t, err)
	assert.Equal(t, 1, k.Len())

	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())
}

func TestKeyedContentionTimesOut(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "ledger:s1:2025-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "ledger:s1:2025-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := k.tryLock("ledger:s1:2025-1")
	assert.False(t, ok)
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, ok := k.tryLock("b")
	require.True(t, ok)
	unlockB()
}

func TestKeyedSerialisesSameKey(t *testing.T) {
	k := NewKeyed()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "shared")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Len())
}
