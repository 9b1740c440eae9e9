package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/processor/internal/api/handlers"
	"github.com/nikhilbhutani/processor/internal/api/middleware"
	"github.com/nikhilbhutani/processor/internal/config"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Uploader  handlers.Uploader
	Blobs     handlers.BlobReader
	Artifacts handlers.ArtifactReader
	Uploads   handlers.UploadCounter
	Jobs      handlers.JobInspector
	Reprocess handlers.Reprocessor
	Queue     handlers.DepthReader
	DB        handlers.Pinger
	Redis     handlers.Pinger
}

type Router struct {
	mux  *chi.Mux
	deps Deps
	cfg  *config.Config
}

func NewRouter(deps Deps, cfg *config.Config) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		deps: deps,
		cfg:  cfg,
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Health checks and metrics are not rate limited.
	health := handlers.NewHealthHandler(rt.deps.DB, rt.deps.Redis, rt.deps.Queue)
	r.Get("/health", health.Health)
	r.Get("/healthz", health.Health)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if rt.cfg.RateLimit.RPS > 0 {
			rl := middleware.NewRateLimiter(rt.cfg.RateLimit.RPS, rt.cfg.RateLimit.Burst)
			r.Use(rl.Limit)
		}

		uploadH := handlers.NewUploadHandler(rt.deps.Uploader, rt.cfg.Server.MaxUploadBytes)
		r.Post("/upload", uploadH.Upload)

		cacheH := handlers.NewCacheHandler(rt.deps.Blobs, rt.deps.Artifacts, rt.deps.Uploads)
		r.Route("/cache/{hash}", func(r chi.Router) {
			r.Get("/original", cacheH.Original)
			r.Get("/metadata", cacheH.Metadata)
			r.Get("/{preset}", cacheH.Artifact)
		})

		jobsH := handlers.NewJobsHandler(rt.deps.Jobs, rt.deps.Reprocess)
		r.Route("/jobs/{type}", func(r chi.Router) {
			r.Get("/", jobsH.List)
			r.Get("/{id}", jobsH.Get)
			r.Delete("/{id}", jobsH.Cancel)
		})
		r.Post("/reprocess", jobsH.Reprocess)
	})

	return r
}
