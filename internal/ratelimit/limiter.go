// Package ratelimit defines the token bucket admission contract shared by
// the in-memory registry and the HTTP shell.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidConfig is returned for a policy with a non-positive token count or window.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrRegistryFull is returned when a registry refuses to create another bucket.
	ErrRegistryFull = errors.New("rate limit registry is full")
)

// Policy identifies a bucket: MaxTokens admissions replenished over Window.
// It is comparable and used as the registry key.
type Policy struct {
	MaxTokens float64
	Window    time.Duration
}

func (p Policy) Validate() error {
	if math.IsNaN(p.MaxTokens) || math.IsInf(p.MaxTokens, 0) || p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %v", ErrInvalidConfig, p.MaxTokens)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, p.Window)
	}
	return nil
}

// RatePerSecond is the refill rate in tokens per second.
func (p Policy) RatePerSecond() float64 {
	return p.MaxTokens / p.Window.Seconds()
}

// TokenPeriod is the time it takes to refill a single token.
func (p Policy) TokenPeriod() time.Duration {
	return time.Duration(float64(p.Window) / p.MaxTokens)
}

func (p Policy) String() string {
	return fmt.Sprintf("%g/%s", p.MaxTokens, p.Window)
}

type Decision struct {
	Allowed    bool
	Limit      int           // bucket ceiling
	Remaining  int           // whole tokens left after this decision
	RetryAfter time.Duration // advisory, zero when allowed
}

// State is a consistent view of a bucket at one instant.
type State struct {
	Capacity  int           // whole tokens available
	Exact     float64       // fractional tokens available
	UntilNext time.Duration // zero when full
}

// Bucket is a single rate-limited subject. Every method brings the state
// up to date with now before reading or mutating it.
type Bucket interface {
	TryAdmit(now time.Time) bool
	Admit(now time.Time) Decision
	Capacity(now time.Time) int
	ExactCapacity(now time.Time) float64
	TimeUntilNextToken(now time.Time) time.Duration
	State(now time.Time) State
	Policy() Policy
}

// Registry hands out one shared Bucket per Policy.
type Registry interface {
	GetOrCreate(p Policy) (Bucket, error)
	Len() int
	Close() error
}
