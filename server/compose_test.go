package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestComposer(t *testing.T, registry *Registry) *Composer {
	t.Helper()
	f := newFakeAuth(t)
	prefs := NewPreferenceClient(registry, f.client(t), "codex", testLogger())
	return NewComposer(registry, prefs, testLogger())
}

func userClaims(level PermissionLevel) *UserClaims {
	return &UserClaims{Subject: "user-1", Level: level}
}

func TestComposeAppliesThemeAndStylesheets(t *testing.T) {
	registry := testRegistry(t,
		ServiceEntry{Name: "helm", Origin: mustParseURL(t, "http://helm:9000"), Visible: true},
	)
	c := newTestComposer(t, registry)

	in := []byte(`<!doctype html><html><head><title>Helm</title><link rel="stylesheet" href="/helm/static/app.css"></head><body><h1>Dashboard</h1></body></html>`)
	out := string(c.Compose(context.Background(), in, "helm", userClaims(LevelUser)))

	if !strings.Contains(out, `data-theme="light"`) {
		t.Fatalf("missing default theme attribute:\n%s", out)
	}
	if !strings.Contains(out, `data-color-theme="purple"`) {
		t.Fatalf("missing default color theme attribute:\n%s", out)
	}
	if strings.Count(out, globalCSSHref) != 1 || strings.Count(out, panelCSSHref) != 1 {
		t.Fatalf("gateway stylesheets should appear exactly once:\n%s", out)
	}
	// Gateway styles must precede the page's own stylesheet.
	if strings.Index(out, panelCSSHref) > strings.Index(out, "/helm/static/app.css") {
		t.Fatalf("gateway stylesheets should come before page stylesheets:\n%s", out)
	}
	if !strings.Contains(out, `class="nexus-layout"`) {
		t.Fatalf("body content should be wrapped in the navigation frame:\n%s", out)
	}
	if !strings.Contains(out, "<h1>Dashboard</h1>") {
		t.Fatalf("original content lost:\n%s", out)
	}
}

func TestComposeIsIdempotent(t *testing.T) {
	registry := testRegistry(t,
		ServiceEntry{Name: "helm", Origin: mustParseURL(t, "http://helm:9000"), Visible: true},
	)
	c := newTestComposer(t, registry)

	in := []byte(`<html><head></head><body><p>once</p></body></html>`)
	once := c.Compose(context.Background(), in, "helm", userClaims(LevelUser))
	twice := c.Compose(context.Background(), once, "helm", userClaims(LevelUser))

	if !bytes.Equal(once, twice) {
		t.Fatalf("composing a composed document must be a no-op\nfirst:\n%s\nsecond:\n%s", once, twice)
	}
	if strings.Count(string(twice), `class="nexus-layout"`) != 1 {
		t.Fatalf("navigation frame duplicated:\n%s", twice)
	}
}

func TestComposeNavFiltersByPermission(t *testing.T) {
	registry := testRegistry(t,
		ServiceEntry{Name: "helm", Origin: mustParseURL(t, "http://helm:9000"), Visible: true},
		ServiceEntry{Name: "hidden", Origin: mustParseURL(t, "http://hidden:9001")},
		ServiceEntry{Name: "ledger", Origin: mustParseURL(t, "http://ledger:9002"), Visible: true, MinRole: LevelAdmin},
	)
	c := newTestComposer(t, registry)
	in := []byte(`<html><head></head><body></body></html>`)

	asUser := string(c.Compose(context.Background(), in, "helm", userClaims(LevelUser)))
	if !strings.Contains(asUser, `href="/helm/"`) {
		t.Fatalf("visible service missing from nav:\n%s", asUser)
	}
	if strings.Contains(asUser, `href="/ledger/"`) {
		t.Fatalf("admin-only service leaked to user nav:\n%s", asUser)
	}
	if strings.Contains(asUser, `href="/hidden/"`) {
		t.Fatalf("invisible service leaked to nav:\n%s", asUser)
	}

	asAdmin := string(c.Compose(context.Background(), in, "helm", userClaims(LevelAdmin)))
	if !strings.Contains(asAdmin, `href="/ledger/"`) {
		t.Fatalf("admin should see admin-only service:\n%s", asAdmin)
	}
}

func TestComposeMarksActiveService(t *testing.T) {
	registry := testRegistry(t,
		ServiceEntry{Name: "helm", Origin: mustParseURL(t, "http://helm:9000"), Visible: true},
		ServiceEntry{Name: "codex", Origin: mustParseURL(t, "http://codex:9001"), Visible: true},
	)
	c := newTestComposer(t, registry)

	out := string(c.Compose(context.Background(),
		[]byte(`<html><head></head><body></body></html>`), "codex", userClaims(LevelUser)))

	activeIdx := strings.Index(out, "side-panel__item--active")
	codexIdx := strings.Index(out, `href="/codex/"`)
	if activeIdx == -1 || codexIdx == -1 || codexIdx < activeIdx {
		t.Fatalf("active marker should be on the codex entry:\n%s", out)
	}
}

func TestComposePassesThroughUnparseableInput(t *testing.T) {
	registry := testRegistry(t)
	c := newTestComposer(t, registry)

	// A fragment with no html element renders as-is rather than exploding.
	in := []byte(`{"not": "html"}`)
	out := c.Compose(context.Background(), in, "helm", userClaims(LevelUser))
	if !bytes.Contains(out, []byte(`"not"`)) {
		t.Fatalf("content should survive composition: %s", out)
	}
}

func TestComposeUsesFetchedTheme(t *testing.T) {
	prefsBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/public/user/theme":
			json.NewEncoder(w).Encode(map[string]string{"theme": "dark", "color_theme": "blue"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer prefsBackend.Close()

	registry := testRegistry(t,
		ServiceEntry{Name: "codex", Origin: mustParseURL(t, prefsBackend.URL), Visible: true},
	)
	f := newFakeAuth(t)
	prefs := NewPreferenceClient(registry, f.client(t), "codex", testLogger())
	c := NewComposer(registry, prefs, testLogger())

	claims := &UserClaims{Subject: "user-1", Email: "alice@example.com", Level: LevelUser}
	out := string(c.Compose(context.Background(),
		[]byte(`<html><head></head><body></body></html>`), "codex", claims))

	if !strings.Contains(out, `data-theme="dark"`) || !strings.Contains(out, `data-color-theme="blue"`) {
		t.Fatalf("fetched theme not applied:\n%s", out)
	}
}
