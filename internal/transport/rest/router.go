package rest

import (
	"net/http"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

type RouterDeps struct {
	// Cache backs the shared rate limiter; nil falls back to an in-process
	// limiter keyed by IP.
	Cache    domain.CacheRepository
	Handler  *Handler
	Verifier security.AccessTokenVerifier

	RateLimitEnabled bool
	RateLimit        RateLimitOptions

	// Ready is probed by /readyz, keyed by dependency name.
	Ready map[string]Pinger
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	r.Use(metrics.Middleware(routePattern))
	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", Healthz)
	r.Get("/readyz", Readyz(d.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier))
		if d.RateLimitEnabled {
			rl := d.RateLimit.withDefaults()
			if d.Cache != nil {
				r.Use(RateLimitMiddleware(d.Cache, rl))
			} else {
				r.Use(httprate.LimitByIP(rl.Limit, rl.Window))
			}
		}

		r.Route("/drops/{dropID}", func(r chi.Router) {
			r.Post("/waitlist", d.Handler.Join)
			r.Delete("/waitlist", d.Handler.Leave)
			r.Get("/waitlist/me", d.Handler.Position)
			r.Post("/claim", d.Handler.Claim)
		})

		r.Get("/me/waitlist", d.Handler.MyWaitlist)
		r.Get("/me/claims", d.Handler.MyClaims)
		r.Get("/claims/{claimID}", d.Handler.GetClaim)

		r.Route("/admin/drops/{dropID}", func(r chi.Router) {
			r.Get("/waitlist", d.Handler.AdminWaitlist)
			r.Get("/claims", d.Handler.AdminClaims)
		})
	})

	return r
}
