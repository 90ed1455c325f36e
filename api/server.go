/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the logging context
  2. Logger:     One zap line per request (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for an admin frontend
  5. RateLimit:  Token bucket per client on /api (disabled when nil),
                keyed by RemoteAddr; RealIP runs first only with TrustProxy

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus exposition
  /api/obligations/*    Obligation catalog
  /api/periods/*        Engine queries, generation, exports
  /api/slips/*          Slip lifecycle
  /api/admin/*          Admin operations

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Per-client limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/condo-billing/logging"
	"github.com/warp/condo-billing/metrics"
)

// RouterOptions configures the ambient middleware.
type RouterOptions struct {
	CORSOrigins []string
	RateLimiter *ClientLimiter
	// TrustProxy rewrites RemoteAddr from forwarding headers.
	TrustProxy bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(RateLimit(opts.RateLimiter))
		}

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Post("/", h.CreateObligation)
			r.Get("/{id}", h.GetObligation)
			r.Patch("/{id}", h.UpdateObligation)
			r.Delete("/{id}", h.RemoveObligation)
		})

		r.Route("/periods/{period}", func(r chi.Router) {
			r.Get("/pending", h.ListPending)
			r.Post("/generate", h.Generate)
			r.Post("/materialize", h.Materialize)
			r.Get("/slips.xlsx", h.ExportPeriod)
		})

		r.Route("/slips", func(r chi.Router) {
			r.Get("/", h.ListSlips)
			r.Post("/send", h.SendSlips)
			r.Get("/{id}", h.GetSlip)
			r.Get("/{id}/events", h.GetSlipEvents)
			r.Get("/{id}/pdf", h.GetSlipPDF)
			r.Post("/{id}/transitions", h.ApplyTransition)
			r.Post("/{id}/compensate", h.CompensateSlip)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/overdue", h.SweepOverdue)
		})
	})

	return r
}

// requestLogger logs every request with zap and makes chi's request id
// available to logging.WithRequestID.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			r = r.WithContext(logging.ContextWithRequestID(r.Context(), reqID))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", reqID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
