package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline-gateway/internal/handlers"
	"offline-gateway/internal/metrics"
	"offline-gateway/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Handlers struct {
	Proxy *handlers.ProxyHandler
	Sync  *handlers.SyncHandler
	Admin *handlers.AdminHandler
}

// SetupRouter mounts the control endpoints under /_ and sends every other
// path to the proxy.
func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, opts Options) {
	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.AccessLog)
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/_sync", func(r chi.Router) {
		r.Get("/", h.Sync.List)
		r.Post("/{tag}", h.Sync.Register)
		r.Post("/{tag}/trigger", h.Sync.Trigger)
	})
	r.Get("/_generations", h.Admin.Generations)
	r.Post("/_lifecycle/upgrade", h.Admin.Upgrade)

	r.Get("/healthz", h.Admin.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Handle("/*", h.Proxy)
}
