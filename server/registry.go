package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
)

var serviceNameRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Registry holds the service routing table. The snapshot is immutable once
// published; reloads replace it atomically so readers never observe a
// partial update.
type Registry struct {
	logger   *slog.Logger
	snapshot atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	entries []ServiceEntry
	byName  map[string]int
}

// serviceDocEntry mirrors one value of the services.json document.
type serviceDocEntry struct {
	URL                string `json:"url"`
	Visible            bool   `json:"visible"`
	AdminOnly          bool   `json:"admin_only"`
	BillingOrAdminOnly bool   `json:"billing_or_admin_only"`
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.snapshot.Store(&registrySnapshot{byName: map[string]int{}})
	return r
}

// LoadFile parses a services.json document and publishes it. Document order
// is preserved: it decides nav-panel ordering and the default-service
// fallback.
func (r *Registry) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read services document: %w", err)
	}
	entries, err := parseServicesDoc(b)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	r.Replace(entries)
	r.logger.Info("service registry loaded", "path", path, "services", len(entries))
	return nil
}

// Replace atomically publishes a new snapshot.
func (r *Registry) Replace(entries []ServiceEntry) {
	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.Name] = i
	}
	r.snapshot.Store(&registrySnapshot{entries: entries, byName: byName})
}

// Len reports how many services are registered.
func (r *Registry) Len() int {
	return len(r.snapshot.Load().entries)
}

// Lookup returns the entry for name, if registered.
func (r *Registry) Lookup(name string) (ServiceEntry, bool) {
	snap := r.snapshot.Load()
	i, ok := snap.byName[name]
	if !ok {
		return ServiceEntry{}, false
	}
	return snap.entries[i], true
}

// VisibleFor lists the visible services the given level may reach, in
// document order.
func (r *Registry) VisibleFor(level PermissionLevel) []ServiceEntry {
	snap := r.snapshot.Load()
	out := make([]ServiceEntry, 0, len(snap.entries))
	for _, e := range snap.entries {
		if !e.Visible || level < e.MinRole {
			continue
		}
		out = append(out, e)
	}
	return out
}

// parseServicesDoc decodes the JSON object token-by-token so the document's
// key order survives (encoding/json maps do not preserve it).
func parseServicesDoc(b []byte) ([]ServiceEntry, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("top level must be a JSON object")
	}

	var entries []ServiceEntry
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name := tok.(string)
		if !serviceNameRE.MatchString(name) {
			return nil, fmt.Errorf("invalid service name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate service name %q", name)
		}
		seen[name] = true

		var raw serviceDocEntry
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		entry, err := buildEntry(name, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return entries, nil
}

func buildEntry(name string, raw serviceDocEntry) (ServiceEntry, error) {
	if raw.URL == "" {
		return ServiceEntry{}, fmt.Errorf("service %q: url is required", name)
	}
	origin, err := url.Parse(raw.URL)
	if err != nil {
		return ServiceEntry{}, fmt.Errorf("service %q: invalid url: %w", name, err)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return ServiceEntry{}, fmt.Errorf("service %q: url must be absolute http(s), got %q", name, raw.URL)
	}

	minRole := LevelUser
	if raw.BillingOrAdminOnly {
		minRole = LevelBilling
	}
	if raw.AdminOnly {
		minRole = LevelAdmin
	}

	return ServiceEntry{
		Name:    name,
		Origin:  origin,
		Visible: raw.Visible,
		MinRole: minRole,
	}, nil
}
