package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_CapsConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestLimiter_AppliesTimeout(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, Timeout: 10 * time.Millisecond})
	err := l.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_CancelledWhileWaiting(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	l.Cooldown(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := l.Do(ctx, func(context.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
}
