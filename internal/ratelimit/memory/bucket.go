package memory

import (
	"math"
	"sync"
	"time"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// Bucket is an in-process token bucket with lazy refill.
// Its policy is fixed for its lifetime; only the token count moves.
type Bucket struct {
	policy ratelimit.Policy

	mu         sync.Mutex
	available  float64
	lastRefill time.Time
}

var _ ratelimit.Bucket = (*Bucket)(nil)

// NewBucket returns a full bucket stamped at now.
func NewBucket(p ratelimit.Policy, now time.Time) (*Bucket, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{
		policy:     p,
		available:  p.MaxTokens,
		lastRefill: now,
	}, nil
}

func (b *Bucket) Policy() ratelimit.Policy { return b.policy }

// TryAdmit consumes one token if a whole one is available.
func (b *Bucket) TryAdmit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.take()
}

// Admit is TryAdmit plus the state a caller needs to answer the request,
// all read under the same lock as the admission itself.
func (b *Bucket) Admit(now time.Time) ratelimit.Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	dec := ratelimit.Decision{
		Allowed: b.take(),
		Limit:   int(b.policy.MaxTokens),
	}
	dec.Remaining = int(math.Floor(b.available))
	if !dec.Allowed {
		dec.RetryAfter = b.untilNext()
	}
	return dec
}

// Capacity returns the whole tokens currently available.
func (b *Bucket) Capacity(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return int(math.Floor(b.available))
}

// ExactCapacity returns the fractional token count.
func (b *Bucket) ExactCapacity(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.available
}

// TimeUntilNextToken is the advisory wait until the next whole token lands.
// A full bucket reports 0: there is nothing left to wait for.
func (b *Bucket) TimeUntilNextToken(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.untilNext()
}

// State reads capacity and the next-token wait under one lock.
func (b *Bucket) State(now time.Time) ratelimit.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return ratelimit.State{
		Capacity:  int(math.Floor(b.available)),
		Exact:     b.available,
		UntilNext: b.untilNext(),
	}
}

// refill brings available up to date with now. Caller must hold b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		// clock went backwards; never take tokens away
		elapsed = 0
	}

	// multiply before dividing so whole token periods land on whole tokens
	added := elapsed * b.policy.MaxTokens / b.policy.Window.Seconds()
	b.available = math.Min(b.policy.MaxTokens, b.available+added)
	b.lastRefill = now
}

func (b *Bucket) take() bool {
	if b.available < 1 {
		return false
	}
	b.available--
	return true
}

func (b *Bucket) untilNext() time.Duration {
	if b.available >= b.policy.MaxTokens {
		return 0
	}
	frac := b.available - math.Floor(b.available)
	wait := (1 - frac) * float64(b.policy.Window) / b.policy.MaxTokens
	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}
