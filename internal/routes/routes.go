package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/handlers"
	"github.com/redcell/optrack/internal/middleware"
	pkghttp "github.com/redcell/optrack/pkg/http"
)

// adminRequestsPerMinute bounds each administrator's management calls.
const adminRequestsPerMinute = 60

// Deps are the handlers and middleware the router wires together. Azure and
// Metrics are optional.
type Deps struct {
	Auth          *handlers.AuthHandler
	Admin         *handlers.AdminHandler
	Health        *handlers.HealthHandler
	Azure         *handlers.AzureHandler
	Metrics       http.Handler
	Authenticator *auth.Authenticator
	IPConfig      *pkghttp.IPConfig
	// AuthRateLimit is the per-IP budget for the credential routes. Zero
	// keeps the default.
	AuthRateLimit int
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Deps) {
	authLimit := middleware.DefaultAuthRateLimit(deps.IPConfig)
	if deps.AuthRateLimit > 0 {
		authLimit.RequestsPerMinute = deps.AuthRateLimit
	}
	limitByIP := middleware.RateLimitByIP(authLimit)

	router.Get("/health", deps.Health.Health)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	router.Route("/auth", func(r chi.Router) {
		r.Get("/setup-required", deps.Auth.SetupRequired)
		r.Get("/azure-status", deps.Auth.AzureStatus)

		r.Group(func(r chi.Router) {
			r.Use(limitByIP)
			r.Post("/setup", deps.Auth.Setup)
			r.Post("/login", deps.Auth.Login)
			r.Post("/register", deps.Auth.Register)

			// Only present when federation was enabled at startup.
			if deps.Azure != nil {
				r.Get("/azure", deps.Azure.Login)
				r.Post("/azure/callback", deps.Azure.Callback)
			}
		})

		r.With(deps.Authenticator.RequireIdentity).Get("/me", deps.Auth.Me)
		r.With(deps.Authenticator.RequireAuth).Post("/logout-all", deps.Auth.LogoutAll)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(deps.Authenticator.RequireAdmin)
		r.Use(middleware.RateLimitByPrincipal(middleware.RateLimitConfig{
			RequestsPerMinute: adminRequestsPerMinute,
			IPConfig:          deps.IPConfig,
		}))

		r.Get("/stats", deps.Admin.GetStats)
		r.Get("/users", deps.Admin.ListUsers)
		r.Patch("/users/{id}", deps.Admin.UpdateUser)
		r.Post("/users/{id}/revoke-tokens", deps.Admin.RevokeTokens)
	})
}
