package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tomvothecoder/simboard/pkg/config"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	rl := s.cfg.Server.RateLimit

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		r.Route("/auth", func(r chi.Router) {
			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Auth))
			}

			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/me", s.handleMe)
			})

			if s.cfg.Auth.GitHub.Enabled {
				r.Get("/github", s.handleGitHubAuth)
				r.Get("/github/callback", s.handleGitHubCallback)
			}
		})

		// Catalog reads, optionally anonymous.
		r.Group(func(r chi.Router) {
			if !s.cfg.Auth.AnonymousRead {
				r.Use(s.requireAuth)
			}

			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Authenticated))
			}

			r.Get("/machines", s.handleListMachines)
			r.Get("/machines/{id}", s.handleGetMachine)
			r.Get("/simulations", s.handleListSimulations)
			r.Get("/simulations/{id}", s.handleGetSimulation)
			r.Get("/simulations/{id}/archive", s.handleDownloadArchive)
		})

		// Catalog writes.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Authenticated))
			}

			r.Post("/simulations", s.handleCreateSimulation)

			r.With(s.requireRole(config.RoleAdmin)).
				Post("/machines", s.handleCreateMachine)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Upload))
			}

			r.Post("/upload", s.handleUpload)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.requireRole(config.RoleAdmin))

			if rl.Enabled {
				r.Use(s.rateLimitMiddleware(rl.Authenticated))
			}

			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{id}", s.handleUpdateUser)
			r.Delete("/users/{id}", s.handleDeleteUser)

			r.Get("/github/org-mappings", s.handleListOrgMappings)
			r.Post("/github/org-mappings", s.handleUpsertOrgMapping)
			r.Delete("/github/org-mappings/{id}",
				s.handleDeleteOrgMapping)

			r.Get("/github/user-mappings",
				s.handleListUserMappings)
			r.Post("/github/user-mappings",
				s.handleUpsertUserMapping)
			r.Delete("/github/user-mappings/{id}",
				s.handleDeleteUserMapping)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
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
