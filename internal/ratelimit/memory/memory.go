package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// Registry keeps one Bucket per policy for the life of the process.
// Buckets are never evicted.
type Registry struct {
	now        func() time.Time
	maxBuckets int
	onCreate   func(ratelimit.Policy)

	bucket sync.Map // ratelimit.Policy -> *Bucket
	mu     sync.Mutex
	count  int
}

var _ ratelimit.Registry = (*Registry)(nil)

type Option func(*Registry)

// WithClock overrides the clock used to stamp new buckets.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMaxBuckets caps the number of distinct policies. Zero means no cap.
func WithMaxBuckets(n int) Option {
	return func(r *Registry) { r.maxBuckets = n }
}

// WithOnCreate registers a callback invoked once per newly created bucket.
func WithOnCreate(fn func(ratelimit.Policy)) Option {
	return func(r *Registry) { r.onCreate = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Close() error { return nil }

// GetOrCreate returns the bucket for p, creating it full on first use.
// Concurrent first calls for the same policy converge on a single bucket.
func (r *Registry) GetOrCreate(p ratelimit.Policy) (ratelimit.Bucket, error) {
	if v, ok := r.bucket.Load(p); ok {
		return v.(*Bucket), nil
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have won the race while we waited
	if v, ok := r.bucket.Load(p); ok {
		return v.(*Bucket), nil
	}

	if r.maxBuckets > 0 && r.count >= r.maxBuckets {
		return nil, fmt.Errorf("%w: %d buckets, refusing %s", ratelimit.ErrRegistryFull, r.count, p)
	}

	b, err := NewBucket(p, r.now())
	if err != nil {
		return nil, err
	}
	r.bucket.Store(p, b)
	r.count++

	if r.onCreate != nil {
		r.onCreate(p)
	}
	return b, nil
}

// Len reports how many buckets have been created.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
