package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"streamlease/internal/api/http/handlers"
	"streamlease/internal/api/http/mw"
	"streamlease/internal/metrics"
)

func BuildRouter(
	h *handlers.Handler,
	logMW *mw.LoggingMiddleware,
	gzipMW *mw.GzipMiddleware,
	rateLimitMW *mw.RateLimitMiddleware,
	jwtMW *mw.JWTMiddleware,
	corsMW *mw.CORSMiddleware,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if logMW != nil {
		r.Use(logMW.Handler)
	}
	if gzipMW != nil {
		r.Use(gzipMW.Handler)
	}
	if corsMW != nil {
		r.Use(corsMW.Handler())
	}

	// tech endpoint not auth
	r.Get("/healthz", h.Healthz)
	r.Get("/readiness", h.Readiness)
	r.Mount("/metrics", metrics.Handler())

	// data endpoint with rate limit and jwt
	protected := chi.NewRouter()
	if rateLimitMW != nil {
		protected.Use(rateLimitMW.Handler)
	}
	if jwtMW != nil {
		protected.Use(jwtMW.Handler)
	}

	protected.Route("/api", func(apiR chi.Router) {
		apiR.Get("/overview", h.Overview)
		apiR.Get("/spend", h.Spend)
		apiR.Route("/streams", func(ss chi.Router) {
			ss.Get("/", h.Streams)
			ss.Get("/{kind}", h.StreamStats)
		})
		apiR.Route("/prices", func(pp chi.Router) {
			pp.Get("/history", h.PriceHistory)
		})
	})

	r.Mount("/", protected)
	return r
}
