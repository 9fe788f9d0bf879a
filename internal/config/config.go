package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "./config.yaml"

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Limit is a token bucket configuration: Count admissions per DurationSec seconds.
type Limit struct {
	Count       float64 `yaml:"count"`
	DurationSec float64 `yaml:"duration_seconds"`
}

func (l Limit) Window() time.Duration {
	return time.Duration(l.DurationSec * float64(time.Second))
}

type Limits struct {
	Default    Limit `yaml:"default"`    // routes without their own limit
	Playground Limit `yaml:"playground"` // fields missing from a POST body

	// Caller-supplied configurations outside these bounds are rejected so the
	// set of buckets stays small and operator-controlled.
	MaxCount       float64 `yaml:"max_count"`
	MaxDurationSec float64 `yaml:"max_duration_seconds"`
	MaxBuckets     int     `yaml:"max_buckets"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Limit      *Limit `yaml:"limit"`
	Playground bool   `yaml:"playground"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

// Load reads path and applies defaults. A missing file at DefaultPath
// yields the default configuration.
func Load(path string) (*Root, error) {
	var cfg Root

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Limits.Default.Count <= 0 {
		cfg.Limits.Default.Count = 5
	}
	if cfg.Limits.Default.DurationSec <= 0 {
		cfg.Limits.Default.DurationSec = 60
	}
	if cfg.Limits.Playground.Count <= 0 {
		cfg.Limits.Playground.Count = 10
	}
	if cfg.Limits.Playground.DurationSec <= 0 {
		cfg.Limits.Playground.DurationSec = 10
	}
	if cfg.Limits.MaxCount <= 0 {
		cfg.Limits.MaxCount = 1000
	}
	if cfg.Limits.MaxDurationSec <= 0 {
		cfg.Limits.MaxDurationSec = 3600
	}
	if cfg.Limits.MaxBuckets == 0 {
		cfg.Limits.MaxBuckets = 1024
	}
	if len(cfg.Routes) == 0 {
		var rt Routes
		rt.ID = "window"
		rt.Match.PathPrefix = "/api/window"
		rt.Match.Methods = []string{"GET", "POST", "PUT"}
		rt.Playground = true
		cfg.Routes = []Routes{rt}
	}
}

// Check rejects a limit that could never admit a request or that falls
// outside the configured bounds. Counts are whole numbers of requests.
func (l Limit) Check(maxCount, maxDurationSec float64) error {
	if l.Count < 1 || l.Count != math.Trunc(l.Count) {
		return fmt.Errorf("count must be a whole number >= 1, got %v", l.Count)
	}
	if l.Window() <= 0 {
		return fmt.Errorf("duration_seconds must be positive, got %v", l.DurationSec)
	}
	if maxCount > 0 && l.Count > maxCount {
		return fmt.Errorf("count %v exceeds max_count %v", l.Count, maxCount)
	}
	if maxDurationSec > 0 && l.DurationSec > maxDurationSec {
		return fmt.Errorf("duration_seconds %v exceeds max_duration_seconds %v", l.DurationSec, maxDurationSec)
	}
	return nil
}

// Validate rejects limits that could never build a usable bucket.
func (cfg *Root) Validate() error {
	lim := cfg.Limits
	if err := lim.Default.Check(lim.MaxCount, lim.MaxDurationSec); err != nil {
		return fmt.Errorf("limits.default: %w", err)
	}
	if err := lim.Playground.Check(lim.MaxCount, lim.MaxDurationSec); err != nil {
		return fmt.Errorf("limits.playground: %w", err)
	}
	for _, rt := range cfg.Routes {
		if rt.ID == "" {
			return errors.New("route without id")
		}
		if rt.Match.PathPrefix == "" {
			return fmt.Errorf("route %s: empty path_prefix", rt.ID)
		}
		if rt.Limit != nil {
			if err := rt.Limit.Check(lim.MaxCount, lim.MaxDurationSec); err != nil {
				return fmt.Errorf("route %s: %w", rt.ID, err)
			}
		}
	}
	return nil
}

// LimitFor returns the route's own limit or the default.
func (cfg *Root) LimitFor(rt Routes) Limit {
	if rt.Limit != nil {
		return *rt.Limit
	}
	return cfg.Limits.Default
}
