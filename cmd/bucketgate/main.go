package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/bucketgate/internal/config"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/obs"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/bucketgate/internal/routing"
)

const version = "v0.1.0"

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel, os.Stdout)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(promReg)

	limiters := newRegistry(cfg, logger, metrics)
	defer limiters.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(cfg, limiters, logger, metrics, promReg),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Int("routes", len(cfg.Routes)).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Int("buckets", limiters.Len()).Msg("bye")
}

func newRegistry(cfg *config.Root, logger zerolog.Logger, metrics *obs.Metrics) *memory.Registry {
	logCreated := obs.BucketCreated(logger)
	return memory.New(
		memory.WithMaxBuckets(cfg.Limits.MaxBuckets),
		memory.WithOnCreate(func(p ratelimit.Policy) {
			logCreated(p)
			metrics.OnBucketCreated(p)
		}),
	)
}

func newRouter(cfg *config.Root) *routing.Router {
	rr := routing.New()
	for _, r := range cfg.Routes {
		methods := map[string]struct{}{}
		for _, m := range r.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		if len(methods) == 0 {
			methods[http.MethodGet] = struct{}{}
		}
		lim := cfg.LimitFor(r)
		rr.Add(&routing.Route{
			ID:         r.ID,
			Methods:    methods,
			Prefix:     r.Match.PathPrefix,
			Policy:     ratelimit.Policy{MaxTokens: lim.Count, Window: lim.Window()},
			Playground: r.Playground,
		})
	}
	return rr
}

func newHandler(cfg *config.Root, limiters ratelimit.Registry, logger zerolog.Logger, metrics *obs.Metrics, gatherer prometheus.Gatherer) http.Handler {
	skip := map[string]struct{}{"/health": {}, "/version": {}}
	skip[cfg.Observability.PrometheusPath] = struct{}{}

	playground := ratelimit.Policy{
		MaxTokens: cfg.Limits.Playground.Count,
		Window:    cfg.Limits.Playground.Window(),
	}
	bounds := gateway.Bounds{
		MaxCount:  cfg.Limits.MaxCount,
		MaxWindow: time.Duration(cfg.Limits.MaxDurationSec * float64(time.Second)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", gateway.Endpoint(
		limiters,
		gateway.PlaygroundPolicy(gateway.BodyPolicy(playground, bounds)),
		gateway.RateLimitOptions{
			Skip:       skip,
			OnDecision: metrics.OnDecision,
			OnInvalid:  metrics.OnInvalid,
		},
	))

	return gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		metrics.Middleware(skip),
		gateway.RouteMatcher(newRouter(cfg), skip),
	)
}
