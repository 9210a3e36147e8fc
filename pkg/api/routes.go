package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/healthcheck", s.handleHealthcheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints: reads, intake, auth, worker callback.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Public,
				))
			}

			r.Get("/status", s.handleStatus)

			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/transitions", s.handleListTransitions)
			r.Get("/runs/{id}/validations", s.handleListValidations)

			r.Get("/policies", s.handleListPolicies)

			// Worker result callback, optionally behind a shared token.
			r.Group(func(r chi.Router) {
				r.Use(s.requireWorkerToken)
				r.Post("/issues/{id}/result", s.handleIssueResult)
			})

			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/logout", s.handleLogout)
		})

		// Admin endpoints: human decisions on blocked or stuck runs.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Admin,
				))
			}

			r.Post("/runs/{id}/approve", s.handleApproveRun)
			r.Post("/runs/{id}/cancel", s.handleCancelRun)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
