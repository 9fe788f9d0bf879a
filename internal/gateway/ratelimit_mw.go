package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

type RateLimitOptions struct {
	Skip       map[string]struct{}
	Now        func() time.Time
	OnDecision func(routeID string, allowed bool)
	OnInvalid  func(routeID string)
}

type ctxKey int

const keyDecision ctxKey = 0

// DecisionFrom returns the admission made for this request, if any.
func DecisionFrom(ctx context.Context) (ratelimit.Decision, bool) {
	dec, ok := ctx.Value(keyDecision).(ratelimit.Decision)
	return dec, ok
}

type rejectedBody struct {
	Success     bool    `json:"success"`
	Error       string  `json:"error"`
	Capacity    int     `json:"capacity"`
	MaxCapacity int     `json:"maxCapacity"`
	RetryIn     float64 `json:"retryIn"`
}

// RateLimit admits each request against the bucket of the policy resolve
// picks for it. Rejected requests get a 429 carrying the bucket state.
func RateLimit(reg ratelimit.Registry, resolve PolicyResolver, opts RateLimitOptions) Middleware {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := opts.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			routeID := routeIDOf(r)
			log := hlog.FromRequest(r)

			p, err := resolve(r)
			if err != nil {
				if opts.OnInvalid != nil {
					opts.OnInvalid(routeID)
				}
				writeResolveError(w, err)
				return
			}

			b, err := reg.GetOrCreate(p)
			if err != nil {
				if errors.Is(err, ratelimit.ErrRegistryFull) {
					log.Warn().Err(err).Str("route", routeID).Msg("bucket refused")
					writeError(w, http.StatusServiceUnavailable, "registry_full", "too many distinct rate limit configurations")
					return
				}
				if opts.OnInvalid != nil {
					opts.OnInvalid(routeID)
				}
				writeResolveError(w, err)
				return
			}

			dec := b.Admit(now())
			if opts.OnDecision != nil {
				opts.OnDecision(routeID, dec.Allowed)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))

			if !dec.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dec.RetryAfter.Seconds()))))
				log.Debug().
					Str("route", routeID).
					Stringer("policy", p).
					Dur("retry_after", dec.RetryAfter).
					Msg("rate limited")
				writeJSON(w, http.StatusTooManyRequests, rejectedBody{
					Error:       "Rate limit exceeded",
					Capacity:    dec.Remaining,
					MaxCapacity: dec.Limit,
					RetryIn:     seconds(dec.RetryAfter, 1),
				})
				return
			}

			ctx := context.WithValue(r.Context(), keyDecision, dec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
	case errors.Is(err, ratelimit.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
	}
}

func routeIDOf(r *http.Request) string {
	if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
		return rt.ID
	}
	return "unknown"
}
