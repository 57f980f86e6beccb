package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60, cfg.Capacity)
	assert.Equal(t, 1.0, cfg.RefillRate)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{Capacity: 0, RefillRate: 1}.Validate())
	assert.Error(t, Config{Capacity: 10, RefillRate: 0}.Validate())
}

func TestBucket_SixtyOneWithinOneSecond(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(DefaultConfig(), WithClock(clock.Now))

	rejected := 0
	rejectedAt := -1
	for i := 0; i < 61; i++ {
		if !b.Allow() {
			rejected++
			rejectedAt = i
		}
		clock.Advance(10 * time.Millisecond)
	}

	assert.Equal(t, 1, rejected, "exactly one message should be rate limited")
	assert.Equal(t, 60, rejectedAt, "the 61st message should be the rejected one")

	clock.Advance(2 * time.Second)
	assert.True(t, b.Allow(), "61st-equivalent message should succeed after waiting 2s")
}

func TestBucket_TokensStayInRange(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(Config{Capacity: 5, RefillRate: 2}, WithClock(clock.Now))

	assert.Equal(t, 5.0, b.Tokens())

	for i := 0; i < 10; i++ {
		b.Allow()
	}
	assert.GreaterOrEqual(t, b.Tokens(), 0.0)
	assert.Less(t, b.Tokens(), 1.0)

	clock.Advance(time.Hour)
	assert.Equal(t, 5.0, b.Tokens(), "refill never exceeds capacity")
}

func TestBucket_LazyRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(Config{Capacity: 2, RefillRate: 1}, WithClock(clock.Now))

	require.True(t, b.Allow())
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	assert.InDelta(t, time.Second, b.RetryAfter(), float64(time.Millisecond))

	clock.Advance(500 * time.Millisecond)
	assert.False(t, b.Allow())
	assert.InDelta(t, 0.5, b.Tokens(), 0.001)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestBucket_ConcurrentAllow(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(Config{Capacity: 50, RefillRate: 1}, WithClock(clock.Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestNewBucket_InvalidConfigFallsBackToDefaults(t *testing.T) {
	b := NewBucket(Config{})
	assert.Equal(t, 60, b.Capacity())
}
