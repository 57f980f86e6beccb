package ratelimit

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a token bucket.
type Config struct {
	Capacity   int     // Max tokens (burst). Default: 60
	RefillRate float64 // Tokens added per second. Default: 1
}

// DefaultConfig returns the default bucket: 60 messages burst, 1 message/second sustained.
func DefaultConfig() Config {
	return Config{
		Capacity:   60,
		RefillRate: 1,
	}
}

// Validate checks the bucket parameters.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return errors.New("capacity must be >= 1")
	}
	if c.RefillRate <= 0 {
		return errors.New("refill rate must be > 0")
	}
	return nil
}

// Bucket is a lazily refilled token bucket. Safe for concurrent use.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
	now      func() time.Time
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock sets the time source used by Allow and Tokens.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// NewBucket creates a full bucket.
func NewBucket(cfg Config, opts ...Option) *Bucket {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultConfig().RefillRate
	}

	b := &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		capacity: cfg.Capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	return b.AllowAt(b.now())
}

// AllowAt consumes one token as of t if available.
func (b *Bucket) AllowAt(t time.Time) bool {
	return b.limiter.AllowN(t, 1)
}

// Tokens returns the tokens currently available, clamped to [0, capacity].
func (b *Bucket) Tokens() float64 {
	tokens := b.limiter.TokensAt(b.now())
	if tokens < 0 {
		return 0
	}
	if tokens > float64(b.capacity) {
		return float64(b.capacity)
	}
	return tokens
}

// Capacity returns the bucket capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// RetryAfter returns how long until one token is available.
func (b *Bucket) RetryAfter() time.Duration {
	missing := 1 - b.Tokens()
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
}
