package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: gateway endpoints first, then the IdP
// proxy, then the catch-all service proxy.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(31536000))

	r.Get("/health", a.handleHealth)

	r.Get("/login", a.Broker.Begin)
	r.Post("/login", a.Broker.Begin)
	r.Get("/auth-callback", a.Broker.Complete)
	r.Get("/logout", a.Broker.End)

	r.Handle("/idp", a.IdP)
	r.Handle("/idp/*", a.IdP)

	r.Get("/static/*", a.handleStatic)

	r.Post("/api/invalidate-cache", a.handleInvalidateCache)

	r.Get("/helpdesk", redirectTo("/beacon/helpdesk"))
	r.Get("/helpdesk/", redirectTo("/beacon/helpdesk"))
	r.Get("/professional-services", redirectTo("/beacon/professional-services"))
	r.Get("/professional-services/", redirectTo("/beacon/professional-services"))

	r.Get("/", a.handleIndex)

	r.HandleFunc("/{service}", a.Proxy.ServeHTTP)
	r.HandleFunc("/{service}/*", a.Proxy.ServeHTTP)

	return r
}
