package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

type admittedBody struct {
	Success     *bool  `json:"success,omitempty"`
	Message     string `json:"message"`
	Capacity    int    `json:"capacity"`
	MaxCapacity int    `json:"maxCapacity"`
}

type statusBody struct {
	Capacity           int     `json:"capacity"`
	MaxCapacity        int     `json:"maxCapacity"`
	Duration           float64 `json:"duration"`
	TimeUntilNextToken float64 `json:"timeUntilNextToken"`
}

// Endpoint serves a rate-limited route. PUT on a playground route reports
// the bucket state without consuming a token; every other request is
// admitted first.
func Endpoint(reg ratelimit.Registry, resolve PolicyResolver, opts RateLimitOptions) http.Handler {
	admitted := RateLimit(reg, resolve, opts)(http.HandlerFunc(serveAdmitted))
	status := Status(reg, resolve, opts.Now)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.Playground && r.Method == http.MethodPut {
			status.ServeHTTP(w, r)
			return
		}
		admitted.ServeHTTP(w, r)
	})
}

func serveAdmitted(w http.ResponseWriter, r *http.Request) {
	dec, ok := DecisionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "rate_limiter_error", "request was not admitted")
		return
	}

	body := admittedBody{
		Message:     "success",
		Capacity:    dec.Remaining,
		MaxCapacity: dec.Limit,
	}
	if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.Playground && r.Method == http.MethodPost {
		success := true
		body.Success = &success
		body.Message = "Request processed successfully"
	}
	writeJSON(w, http.StatusOK, body)
}

// Status reports capacity and the advisory wait for the next token of the
// bucket resolve picks. The bucket is created if it does not exist yet.
func Status(reg ratelimit.Registry, resolve PolicyResolver, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := resolve(r)
		if err != nil {
			writeResolveError(w, err)
			return
		}
		b, err := reg.GetOrCreate(p)
		if err != nil {
			if errors.Is(err, ratelimit.ErrRegistryFull) {
				writeError(w, http.StatusServiceUnavailable, "registry_full", "too many distinct rate limit configurations")
				return
			}
			writeResolveError(w, err)
			return
		}

		st := b.State(now())
		writeJSON(w, http.StatusOK, statusBody{
			Capacity:           st.Capacity,
			MaxCapacity:        int(p.MaxTokens),
			Duration:           p.Window.Seconds(),
			TimeUntilNextToken: seconds(st.UntilNext, 2),
		})
	})
}
