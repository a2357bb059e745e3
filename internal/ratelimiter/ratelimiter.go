package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// unlimited is used in place of rate.Inf, which does not report tokens sanely.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket limiter.
//
// A zero rate disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with the given
// burst capacity. A burst below one is raised to one so Wait can ever succeed.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst))}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Keyed holds one limiter per key, created on first use.
//
// The redirection layer keys it by remote host so a slow or hot peer cannot
// drain the budget of the others.
type Keyed struct {
	requestsPerSecond uint
	burst             uint

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewKeyed creates a keyed limiter. Every key gets the same rate and burst.
func NewKeyed(requestsPerSecond, burst uint) *Keyed {
	return &Keyed{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		limiters:          make(map[string]*RateLimiter),
	}
}

// Get returns the limiter for key.
func (k *Keyed) Get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = New(k.requestsPerSecond, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Wait blocks until key has a token or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.Get(key).Wait(ctx)
}

// Allow consumes a token for key if one is available.
func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

// Forget drops the limiter of key.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
