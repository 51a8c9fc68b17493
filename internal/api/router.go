package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikhilbhutani/awaaztwin/internal/api/handlers"
	"github.com/nikhilbhutani/awaaztwin/internal/api/middleware"
	"github.com/nikhilbhutani/awaaztwin/internal/auth"
	"github.com/nikhilbhutani/awaaztwin/internal/config"
	"github.com/nikhilbhutani/awaaztwin/internal/observability"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

// Deps are the collaborators the HTTP surface needs. Queues and Gatherer
// may be nil.
type Deps struct {
	Records    store.Store
	Objects    storage.Storage
	Dispatcher handlers.Dispatcher
	Engines    handlers.EngineCatalog
	Queues     handlers.QueueInspector
	Checks     map[string]handlers.Pinger
	Gatherer   prometheus.Gatherer
}

type Router struct {
	mux     *chi.Mux
	cfg     *config.Config
	deps    Deps
	limiter *middleware.RateLimiter
}

func NewRouter(cfg *config.Config, deps Deps) *Router {
	return &Router{
		mux:     chi.NewRouter(),
		cfg:     cfg,
		deps:    deps,
		limiter: middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, cfg.Server.TrustedProxies),
	}
}

// Close releases the rate limiter's background sweeper.
func (rt *Router) Close() {
	rt.limiter.Close()
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware. The limiter reads the peer address itself, so it
	// runs before RealIP rewrites RemoteAddr from client headers, and
	// RealIP only runs when a trusted proxy sets them.
	r.Use(chimiddleware.RequestID)
	r.Use(rt.limiter.Limit)
	if len(rt.cfg.Server.TrustedProxies) > 0 {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins))

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.deps.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if rt.deps.Gatherer != nil {
		r.Handle("/metrics", observability.MetricsHandler(rt.deps.Gatherer))
	}

	voiceH := handlers.NewVoiceHandler(rt.deps.Records, rt.deps.Dispatcher, rt.deps.Engines, rt.cfg.Limits.MaxSamplesPerVoice)
	synthH := handlers.NewSynthesisHandler(rt.deps.Records, rt.deps.Objects, rt.deps.Dispatcher, rt.deps.Engines,
		rt.cfg.Limits.MaxTextLength, rt.cfg.Storage.PresignTTL)
	adminH := handlers.NewAdminHandler(rt.deps.Engines, rt.deps.Queues)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		secured := rt.cfg.Auth.JWTSecret != ""
		if secured {
			r.Use(auth.NewJWTMiddleware(rt.cfg.Auth.JWTSecret).Authenticate)
		}

		r.Route("/voices", func(r chi.Router) {
			r.Post("/", voiceH.Create)
			r.Get("/{id}", voiceH.Get)
			r.Post("/{id}/prepare", voiceH.Prepare)
		})

		r.Post("/synthesize", synthH.Submit)
		r.Get("/jobs/{id}", synthH.GetJob)

		r.Route("/admin", func(r chi.Router) {
			if secured {
				r.Use(auth.RequireRole(auth.RoleAdmin))
			}
			r.Get("/engines", adminH.Engines)
			r.Get("/queues", adminH.Queues)
		})
	})

	return r
}
