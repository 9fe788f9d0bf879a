package routing

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// Route is a rate-limited endpoint and the policy its requests share.
type Route struct {
	ID      string
	Methods map[string]struct{}
	Prefix  string
	Policy  ratelimit.Policy

	// Playground routes let POST and PUT callers pick their own policy.
	Playground bool
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route accepting method whose prefix covers path.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if _, ok := rt.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			prefix = "/"
		}

		if path == prefix || prefix == "/" || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const (
	keyRoute ctxKey = iota
	keySlot
)

type routeSlot struct {
	mu sync.Mutex
	rt *Route
}

func WithRoute(r *http.Request, rt *Route) *http.Request {
	if slot, ok := r.Context().Value(keySlot).(*routeSlot); ok {
		slot.mu.Lock()
		slot.rt = rt
		slot.mu.Unlock()
	}
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

// TrackRoute lets a handler wrapping the route matcher learn which route,
// if any, matched once the inner handlers have run.
func TrackRoute(r *http.Request) (*http.Request, func() (*Route, bool)) {
	slot := &routeSlot{}
	ctx := context.WithValue(r.Context(), keySlot, slot)
	return r.WithContext(ctx), func() (*Route, bool) {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		return slot.rt, slot.rt != nil
	}
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
