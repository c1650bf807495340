package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/metrics"
)

type RouterOptions struct {
	Metrics bool
}

func NewRouter(h *Handler, log zerolog.Logger, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(hlog.NewHandler(log))
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	if opts.Metrics {
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", HandleHealth)
	r.Get("/models", h.HandleModels)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Post("/login", h.HandleLogin)
	r.Get("/user", h.HandleUser)
	r.Get("/estimate", h.HandleEstimate)
	r.Get("/advice", h.HandleAdvice)
	r.Get("/usage", h.HandleUsage)

	return r
}

// requestLogger tags the request logger with the request id and writes one
// access line per request. Only the path is logged: credentials travel in
// the query string.
func requestLogger(next http.Handler) http.Handler {
	withID := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := auth.GetRequestID(r.Context()); id != "" {
				l := zerolog.Ctx(r.Context())
				l.UpdateContext(func(c zerolog.Context) zerolog.Context {
					return c.Str("request_id", id)
				})
			}
			next.ServeHTTP(w, r)
		})
	}
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})
	return withID(access(next))
}
