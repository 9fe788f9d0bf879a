package obs

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// SetupLogger builds the process logger. Unknown levels fall back to info.
func SetupLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger returns a middleware that logs per-request with duration and status.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
				),
			),
		)
	}
}

// BucketCreated logs a new bucket; wire it with memory.WithOnCreate.
func BucketCreated(logger zerolog.Logger) func(ratelimit.Policy) {
	return func(p ratelimit.Policy) {
		logger.Info().
			Float64("max_tokens", p.MaxTokens).
			Dur("window", p.Window).
			Dur("token_period", p.TokenPeriod()).
			Msg("bucket created")
	}
}
