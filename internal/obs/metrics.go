package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Admissions      *prometheus.CounterVec
	InvalidConfig   *prometheus.CounterVec
	Buckets         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bucketgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_admissions_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"route", "outcome"},
		),
		InvalidConfig: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucketgate_invalid_config_total",
				Help: "Requests rejected for an unusable rate limit configuration",
			},
			[]string{"route"},
		),
		Buckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bucketgate_buckets",
				Help: "Live token buckets in the registry",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Admissions, m.InvalidConfig, m.Buckets)
	return m
}

// OnDecision counts admissions; it matches gateway.RateLimitOptions.OnDecision.
func (m *Metrics) OnDecision(routeID string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "admitted"
	}
	m.Admissions.WithLabelValues(routeID, outcome).Inc()
}

func (m *Metrics) OnInvalid(routeID string) {
	m.InvalidConfig.WithLabelValues(routeID).Inc()
}

func (m *Metrics) OnBucketCreated(ratelimit.Policy) {
	m.Buckets.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics. It wraps gateway.RouteMatcher so
// unmatched requests are counted too, under route "unknown".
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			r, matched := routing.TrackRoute(r)

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := matched(); ok && rt.ID != "" {
				route = rt.ID
			} else if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
