package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	handler   http.Handler
	clock     *fakeClock
	decisions map[string][2]int
	invalid   int
	mu        sync.Mutex
}

func newHarness(t *testing.T, regOpts ...memory.Option) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		decisions: map[string][2]int{},
	}

	rr := routing.New()
	rr.Add(&routing.Route{
		ID:         "window",
		Prefix:     "/api/window",
		Methods:    map[string]struct{}{"GET": {}, "POST": {}, "PUT": {}},
		Policy:     ratelimit.Policy{MaxTokens: 5, Window: time.Minute},
		Playground: true,
	})
	rr.Add(&routing.Route{
		ID:      "login",
		Prefix:  "/login",
		Methods: map[string]struct{}{"POST": {}},
		Policy:  ratelimit.Policy{MaxTokens: 1, Window: 30 * time.Second},
	})

	reg := memory.New(append([]memory.Option{memory.WithClock(h.clock.Now)}, regOpts...)...)
	resolve := PlaygroundPolicy(BodyPolicy(
		ratelimit.Policy{MaxTokens: 10, Window: 10 * time.Second},
		Bounds{MaxCount: 100, MaxWindow: time.Hour},
	))

	h.handler = Chain(
		Endpoint(reg, resolve, RateLimitOptions{
			Now: h.clock.Now,
			OnDecision: func(routeID string, allowed bool) {
				h.mu.Lock()
				defer h.mu.Unlock()
				c := h.decisions[routeID]
				if allowed {
					c[0]++
				} else {
					c[1]++
				}
				h.decisions[routeID] = c
			},
			OnInvalid: func(string) {
				h.mu.Lock()
				h.invalid++
				h.mu.Unlock()
			},
		}),
		BodyLimit(1<<10),
		RouteMatcher(rr, nil),
	)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec, out
}

func TestWindow_GetDefaultPolicy(t *testing.T) {
	h := newHarness(t)

	for i := 4; i >= 0; i-- {
		rec, body := h.do(t, "GET", "/api/window", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", body["message"])
		assert.EqualValues(t, i, body["capacity"])
		assert.EqualValues(t, 5, body["maxCapacity"])
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotContains(t, body, "success")
	}

	rec, body := h.do(t, "GET", "/api/window", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.EqualValues(t, 0, body["capacity"])
	assert.EqualValues(t, 5, body["maxCapacity"])
	assert.EqualValues(t, 12, body["retryIn"])
	assert.Equal(t, "12", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	h.clock.Advance(12 * time.Second)
	rec, _ = h.do(t, "GET", "/api/window", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, "GET", "/api/window", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	assert.Equal(t, [2]int{6, 2}, h.decisions["window"])
}

func TestWindow_PostPlayground(t *testing.T) {
	h := newHarness(t)
	cfg := `{"count":2,"duration":4}`

	for i := 1; i >= 0; i-- {
		rec, body := h.do(t, "POST", "/api/window", cfg)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "Request processed successfully", body["message"])
		assert.EqualValues(t, i, body["capacity"])
		assert.EqualValues(t, 2, body["maxCapacity"])
	}

	rec, body := h.do(t, "POST", "/api/window", cfg)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, 2, body["retryIn"])
}

func TestWindow_PostDefaults(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, "POST", "/api/window", "")
	assert.EqualValues(t, 10, body["maxCapacity"])
	assert.EqualValues(t, 9, body["capacity"])

	_, body = h.do(t, "POST", "/api/window", `{"count":3}`)
	assert.EqualValues(t, 3, body["maxCapacity"])
}

func TestWindow_SameConfigurationSharesBucket(t *testing.T) {
	h := newHarness(t)

	// route default is 5 per 60s; a POST asking for the same pair hits the same bucket
	h.do(t, "GET", "/api/window", "")
	_, body := h.do(t, "POST", "/api/window", `{"count":5,"duration":60}`)
	assert.EqualValues(t, 3, body["capacity"])

	_, body = h.do(t, "POST", "/api/window", `{"count":5,"duration":30}`)
	assert.EqualValues(t, 4, body["capacity"])
}

func TestWindow_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `count=5`, "invalid_request"},
		{"non numeric", `{"count":"five"}`, "invalid_request"},
		{"zero count", `{"count":0}`, "invalid_config"},
		{"fractional below one", `{"count":0.5}`, "invalid_config"},
		{"fractional count", `{"count":2.5}`, "invalid_config"},
		{"negative duration", `{"duration":-1}`, "invalid_config"},
		{"count above bound", `{"count":5000}`, "invalid_config"},
		{"duration above bound", `{"duration":7200}`, "invalid_config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, method := range []string{"POST", "PUT"} {
				rec, body := h.do(t, method, "/api/window", tt.body)
				require.Equal(t, http.StatusBadRequest, rec.Code, method)
				errObj, ok := body["error"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, tt.code, errObj["code"])
			}
			assert.Equal(t, 1, h.invalid, "only admissions are counted")
		})
	}
}

func TestWindow_PutStatus(t *testing.T) {
	h := newHarness(t)
	cfg := `{"count":5,"duration":60}`

	rec, body := h.do(t, "PUT", "/api/window", cfg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["capacity"])
	assert.EqualValues(t, 5, body["maxCapacity"])
	assert.EqualValues(t, 60, body["duration"])
	assert.EqualValues(t, 0, body["timeUntilNextToken"])

	h.do(t, "POST", "/api/window", cfg)

	for i := 0; i < 3; i++ {
		_, body = h.do(t, "PUT", "/api/window", cfg)
		assert.EqualValues(t, 4, body["capacity"], "status must not consume tokens")
		assert.EqualValues(t, 12, body["timeUntilNextToken"])
	}

	h.clock.Advance(3 * time.Second)
	_, body = h.do(t, "PUT", "/api/window", cfg)
	assert.InDelta(t, 9.0, body["timeUntilNextToken"], 0.01)
	assert.Empty(t, h.decisions["window"][1])
}

func TestNonPlaygroundRouteIgnoresBody(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, "POST", "/login", `{"count":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["maxCapacity"])
	assert.Equal(t, "success", body["message"])

	rec, _ = h.do(t, "POST", "/login", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestRouteMatcher_NoRoute(t *testing.T) {
	h := newHarness(t)

	for _, tc := range [][2]string{{"GET", "/nope"}, {"GET", "/login"}} {
		rec, body := h.do(t, tc[0], tc[1], "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "no_route", body["error"].(map[string]any)["code"])
	}
}

func TestRateLimit_RegistryFull(t *testing.T) {
	h := newHarness(t, memory.WithMaxBuckets(1))

	rec, _ := h.do(t, "GET", "/api/window", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := h.do(t, "POST", "/api/window", `{"count":7}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "registry_full", body["error"].(map[string]any)["code"])

	rec, _ = h.do(t, "PUT", "/api/window", `{"count":7}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit_Skip(t *testing.T) {
	reg := memory.New()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := DecisionFrom(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusNoContent)
	})
	resolve := func(*http.Request) (ratelimit.Policy, error) {
		t.Fatal("resolver must not run for skipped paths")
		return ratelimit.Policy{}, nil
	}

	h := RateLimit(reg, resolve, RateLimitOptions{Skip: map[string]struct{}{"/health": {}}})(next)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, reg.Len())
}

func TestRateLimit_ConcurrentRequests(t *testing.T) {
	h := newHarness(t)

	const callers = 40
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/window", nil))
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, codes[http.StatusOK])
	assert.Equal(t, callers-5, codes[http.StatusTooManyRequests])
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), nil, mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, "POST", "/api/window", `{"count":2,"pad":"`+strings.Repeat("x", 2048)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", body["error"].(map[string]any)["code"])
}
