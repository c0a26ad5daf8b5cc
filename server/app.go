package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Version is stamped by the build; the default marks an untagged build.
var Version = "dev"

// App holds the wired gateway state shared by all handlers.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Registry  *Registry
	Sessions  *SessionManager
	Auth      *AuthClient
	Validator *TokenValidator
	Prefs     *PreferenceClient
	Composer  *Composer
	Broker    *OAuthBroker
	IdP       *IdPProxy
	Proxy     *BackendProxy
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	registry := NewRegistry(logger)
	if err := registry.LoadFile(cfg.ServicesFile); err != nil {
		return nil, err
	}

	sessions, err := NewSessionManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	auth := NewAuthClient(cfg.AuthService, logger)
	validator := NewTokenValidator(auth, cfg.AuthService.Issuer, logger)
	prefs := NewPreferenceClient(registry, auth, cfg.PreferencesService, logger)
	composer := NewComposer(registry, prefs, logger)

	broker, err := NewOAuthBroker(ctx, cfg, auth, sessions, logger)
	if err != nil {
		return nil, err
	}

	idpOrigin, err := cfg.IdPOrigin()
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Sessions:  sessions,
		Auth:      auth,
		Validator: validator,
		Prefs:     prefs,
		Composer:  composer,
		Broker:    broker,
		IdP:       NewIdPProxy(idpOrigin, logger),
		Proxy:     NewBackendProxy(registry, sessions, validator, composer, cfg.HTMLBufferCap, logger),
	}, nil
}

// Reload re-reads the service registry from disk. Invoked on SIGHUP; a bad
// file leaves the current registry in place.
func (a *App) Reload() error {
	if err := a.Registry.LoadFile(a.Config.ServicesFile); err != nil {
		a.Logger.Error("registry reload failed, keeping previous registry", "error", err)
		return err
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "nexus",
		"version": Version,
	})
}

// handleIndex sends an authenticated user to their preferred home page, or
// failing that to the first visible service they may access.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(r)
	if !sess.Authenticated() {
		redirectToLogin(w, r)
		return
	}

	claims, err := a.Validator.Validate(r.Context(), sess.Token)
	if err != nil {
		a.Proxy.authFailure(w, r, err)
		return
	}

	if home := a.Prefs.HomePage(r.Context(), claims.Email); home != "" {
		if entry, ok := a.Registry.Lookup(home); ok && claims.Level >= entry.MinRole {
			http.Redirect(w, r, "/"+entry.Name+"/", http.StatusFound)
			return
		}
	}

	for _, entry := range a.Registry.VisibleFor(claims.Level) {
		http.Redirect(w, r, "/"+entry.Name+"/", http.StatusFound)
		return
	}

	a.Logger.Warn("no accessible service for user", "subject", claims.Subject, "level", claims.Level.String())
	http.Error(w, "no accessible services", http.StatusNotFound)
}

// handleInvalidateCache drops cached preferences for one user so theme
// changes take effect without waiting out the cache.
func (a *App) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(r)
	if !sess.Authenticated() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := a.Validator.Validate(r.Context(), sess.Token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	a.Prefs.Invalidate(claims.Email)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// redirectTo returns a handler that issues a fixed external redirect.
func redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}
}
