package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"
)

const (
	themeTimeout    = 500 * time.Millisecond
	homePageTimeout = 2 * time.Second
	prefCacheTTL    = 5 * time.Minute

	defaultTheme      = "light"
	defaultColorTheme = "purple"
)

var (
	validThemes      = []string{"light", "dark"}
	validColorThemes = []string{"purple", "blue", "green", "orange", "gold", "red", "yellow", "matrix", "bee"}
)

// PreferenceClient looks up per-user presentation preferences from the
// configured preferences service (codex by default). Every failure mode
// degrades to defaults; a page never breaks because preferences were
// unavailable.
type PreferenceClient struct {
	registry *Registry
	auth     *AuthClient
	service  string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]prefEntry
}

type prefEntry struct {
	theme      string
	colorTheme string
	homePage   string
	fetched    time.Time
}

// NewPreferenceClient builds a client bound to the named registry service.
func NewPreferenceClient(registry *Registry, auth *AuthClient, service string, logger *slog.Logger) *PreferenceClient {
	return &PreferenceClient{
		registry: registry,
		auth:     auth,
		service:  service,
		client:   &http.Client{},
		logger:   logger,
		cache:    make(map[string]prefEntry),
	}
}

// Theme resolves the user's visual theme, defaulting to light.
func (p *PreferenceClient) Theme(ctx context.Context, email string) (theme, colorTheme string) {
	theme, colorTheme = defaultTheme, defaultColorTheme
	if email == "" {
		return
	}
	if e, ok := p.cached(email); ok && e.theme != "" {
		return e.theme, e.colorTheme
	}

	ctx, cancel := context.WithTimeout(ctx, themeTimeout)
	defer cancel()

	var out struct {
		Theme      string `json:"theme"`
		ColorTheme string `json:"color_theme"`
	}
	if err := p.get(ctx, "/api/public/user/theme", email, &out); err != nil {
		p.logger.Debug("theme lookup failed, using default", "email", email, "error", err)
		return
	}
	if !slices.Contains(validThemes, out.Theme) || !slices.Contains(validColorThemes, out.ColorTheme) {
		return
	}

	p.store(email, func(e *prefEntry) {
		e.theme = out.Theme
		e.colorTheme = out.ColorTheme
	})
	return out.Theme, out.ColorTheme
}

// HomePage resolves the user's preferred landing service. An empty return
// means no usable preference.
func (p *PreferenceClient) HomePage(ctx context.Context, email string) string {
	if email == "" {
		return ""
	}
	if e, ok := p.cached(email); ok && e.homePage != "" {
		return e.homePage
	}

	ctx, cancel := context.WithTimeout(ctx, homePageTimeout)
	defer cancel()

	var out struct {
		HomePage string `json:"home_page"`
	}
	if err := p.get(ctx, "/api/public/user/home-page", email, &out); err != nil {
		p.logger.Debug("home page lookup failed", "email", email, "error", err)
		return ""
	}
	if _, ok := p.registry.Lookup(out.HomePage); !ok {
		return ""
	}

	p.store(email, func(e *prefEntry) { e.homePage = out.HomePage })
	return out.HomePage
}

// Invalidate drops the cached preferences for one user. Called when the user
// saves new settings so the next page load reflects them.
func (p *PreferenceClient) Invalidate(email string) {
	p.mu.Lock()
	delete(p.cache, email)
	p.mu.Unlock()
}

func (p *PreferenceClient) cached(email string) (prefEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.cache[email]
	if !ok || time.Since(e.fetched) > prefCacheTTL {
		return prefEntry{}, false
	}
	return e, true
}

func (p *PreferenceClient) store(email string, update func(*prefEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.cache[email]
	if time.Since(e.fetched) > prefCacheTTL {
		e = prefEntry{}
	}
	update(&e)
	e.fetched = time.Now()
	p.cache[email] = e
}

func (p *PreferenceClient) get(ctx context.Context, path, email string, out any) error {
	entry, ok := p.registry.Lookup(p.service)
	if !ok {
		return fmt.Errorf("preferences service %q not in registry", p.service)
	}

	token, err := p.auth.ServiceToken(ctx, p.service)
	if err != nil {
		return err
	}

	u := *entry.Origin
	u.Path = path
	u.RawQuery = url.Values{"email": {email}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preferences call: unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
