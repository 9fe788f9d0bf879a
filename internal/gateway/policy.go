package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

var (
	// ErrMalformedRequest marks caller input that is not a usable configuration.
	ErrMalformedRequest = errors.New("malformed request")

	ErrNoRoute = errors.New("no route in request context")
)

// PolicyResolver picks the bucket configuration a request is admitted against.
type PolicyResolver func(r *http.Request) (ratelimit.Policy, error)

// Bounds limits the configurations callers may ask for.
type Bounds struct {
	MaxCount  float64
	MaxWindow time.Duration
}

func (b Bounds) Check(p ratelimit.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.MaxTokens < 1 || p.MaxTokens != math.Trunc(p.MaxTokens) {
		return fmt.Errorf("%w: count must be a whole number >= 1, got %v", ratelimit.ErrInvalidConfig, p.MaxTokens)
	}
	if b.MaxCount > 0 && p.MaxTokens > b.MaxCount {
		return fmt.Errorf("%w: count %v exceeds %v", ratelimit.ErrInvalidConfig, p.MaxTokens, b.MaxCount)
	}
	if b.MaxWindow > 0 && p.Window > b.MaxWindow {
		return fmt.Errorf("%w: duration %s exceeds %s", ratelimit.ErrInvalidConfig, p.Window, b.MaxWindow)
	}
	return nil
}

// RoutePolicy admits against the policy of the matched route.
func RoutePolicy(r *http.Request) (ratelimit.Policy, error) {
	rt, ok := routing.RouteFrom(r)
	if !ok || rt == nil {
		return ratelimit.Policy{}, ErrNoRoute
	}
	return rt.Policy, nil
}

type configBody struct {
	Count    *float64 `json:"count"`
	Duration *float64 `json:"duration"` // seconds
}

// BodyPolicy reads {"count": n, "duration": seconds} from the request body.
// Missing fields, or an empty body, fall back to defaults.
func BodyPolicy(defaults ratelimit.Policy, bounds Bounds) PolicyResolver {
	return func(r *http.Request) (ratelimit.Policy, error) {
		p := defaults
		if r.Body == nil {
			return p, bounds.Check(p)
		}

		var body configBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return ratelimit.Policy{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		if body.Count != nil {
			p.MaxTokens = *body.Count
		}
		if body.Duration != nil {
			if *body.Duration <= 0 {
				return ratelimit.Policy{}, fmt.Errorf("%w: duration must be positive, got %v", ratelimit.ErrInvalidConfig, *body.Duration)
			}
			p.Window = time.Duration(*body.Duration * float64(time.Second))
		}
		if err := bounds.Check(p); err != nil {
			return ratelimit.Policy{}, err
		}
		return p, nil
	}
}

// PlaygroundPolicy uses body for POST and PUT on playground routes and the
// route policy otherwise.
func PlaygroundPolicy(body PolicyResolver) PolicyResolver {
	return func(r *http.Request) (ratelimit.Policy, error) {
		rt, ok := routing.RouteFrom(r)
		if ok && rt != nil && rt.Playground && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			return body(r)
		}
		return RoutePolicy(r)
	}
}
