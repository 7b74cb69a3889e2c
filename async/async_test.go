package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryContext(t *testing.T) {
	t.Parallel()

	t.Run("succeeds eventually", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryContext(context.Background(), 5, time.Millisecond, nil, func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryContext(context.Background(), 3, time.Millisecond, nil, func() error {
			calls++
			return errors.New("never")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})
}

func TestRetryContextStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	permanent := errors.New("permanent")
	calls := 0
	err := RetryContext(context.Background(), 5, time.Millisecond,
		func(err error) bool { return !errors.Is(err, permanent) },
		func() error {
			calls++
			return permanent
		})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryContextCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryContext(ctx, 5, time.Hour, nil, func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAwait(t *testing.T) {
	t.Parallel()
	var counter int32
	err := Await(5, time.Millisecond, func() bool {
		return atomic.AddInt32(&counter, 1) == 2
	})
	assert.NoError(t, err)

	err = Await(2, time.Millisecond, func() bool { return false }, "never true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never true")
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()
	locks := NewKeyedMutex()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(context.Background(), "invitation")
			if !assert.NoError(t, err) {
				return
			}
			now := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxInside)
				if now <= seen || atomic.CompareAndSwapInt32(&maxInside, seen, now) {
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
}

func TestKeyedMutexTryLock(t *testing.T) {
	t.Parallel()
	locks := NewKeyedMutex()

	unlock, ok := locks.TryLock("a")
	require.True(t, ok)

	_, ok = locks.TryLock("a")
	assert.False(t, ok, "second TryLock on held key should fail")

	otherUnlock, ok := locks.TryLock("b")
	assert.True(t, ok, "different keys are independent")
	otherUnlock()

	unlock()
	unlock() // releasing twice is harmless

	again, ok := locks.TryLock("a")
	assert.True(t, ok)
	again()
}

func TestKeyedMutexLockRespectsContext(t *testing.T) {
	t.Parallel()
	locks := NewKeyedMutex()
	unlock, ok := locks.TryLock("a")
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := locks.Lock(ctx, "a")
	assert.Equal(t, context.DeadlineExceeded, err)
}
