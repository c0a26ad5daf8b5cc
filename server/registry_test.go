package server

import (
	"os"
	"path/filepath"
	"testing"
)

func writeServices(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write services: %v", err)
	}
	return path
}

func TestRegistryLoadPreservesDocumentOrder(t *testing.T) {
	doc := `{
		"zeta":  {"url": "http://zeta:9000",  "visible": true},
		"alpha": {"url": "http://alpha:9001", "visible": true},
		"mid":   {"url": "http://mid:9002",   "visible": true}
	}`
	r := NewRegistry(testLogger())
	if err := r.LoadFile(writeServices(t, doc)); err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	got := r.VisibleFor(LevelUser)
	want := []string{"zeta", "alpha", "mid"}
	if len(got) != len(want) {
		t.Fatalf("unexpected count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("order mismatch at %d: got %q want %q", i, got[i].Name, want[i])
		}
	}
}

func TestRegistryRoleMapping(t *testing.T) {
	doc := `{
		"open":    {"url": "http://open:9000"},
		"billing": {"url": "http://billing:9001", "billing_or_admin_only": true},
		"admin":   {"url": "http://admin:9002", "admin_only": true}
	}`
	r := NewRegistry(testLogger())
	if err := r.LoadFile(writeServices(t, doc)); err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	cases := []struct {
		name string
		want PermissionLevel
	}{
		{"open", LevelUser},
		{"billing", LevelBilling},
		{"admin", LevelAdmin},
	}
	for _, tc := range cases {
		entry, ok := r.Lookup(tc.name)
		if !ok {
			t.Fatalf("service %q missing", tc.name)
		}
		if entry.MinRole != tc.want {
			t.Fatalf("service %q: got role %v want %v", tc.name, entry.MinRole, tc.want)
		}
		if entry.Visible {
			t.Fatalf("service %q: visible should default to false", tc.name)
		}
	}
}

func TestRegistryVisibleForFiltersByLevel(t *testing.T) {
	doc := `{
		"public":  {"url": "http://public:9000", "visible": true},
		"hidden":  {"url": "http://hidden:9001"},
		"billing": {"url": "http://billing:9002", "visible": true, "billing_or_admin_only": true},
		"admin":   {"url": "http://admin:9003", "visible": true, "admin_only": true}
	}`
	r := NewRegistry(testLogger())
	if err := r.LoadFile(writeServices(t, doc)); err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	cases := []struct {
		level PermissionLevel
		want  []string
	}{
		{LevelUser, []string{"public"}},
		{LevelBilling, []string{"public", "billing"}},
		{LevelAdmin, []string{"public", "billing", "admin"}},
	}
	for _, tc := range cases {
		got := r.VisibleFor(tc.level)
		if len(got) != len(tc.want) {
			t.Fatalf("level %v: got %d services want %d", tc.level, len(got), len(tc.want))
		}
		for i := range tc.want {
			if got[i].Name != tc.want[i] {
				t.Fatalf("level %v: entry %d got %q want %q", tc.level, i, got[i].Name, tc.want[i])
			}
		}
	}
}

func TestRegistryRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"duplicate name", `{"a": {"url": "http://a:1"}, "a": {"url": "http://a:2"}}`},
		{"invalid name", `{"Bad Name!": {"url": "http://a:1"}}`},
		{"missing url", `{"a": {"visible": true}}`},
		{"relative url", `{"a": {"url": "/local"}}`},
		{"top-level array", `[{"url": "http://a:1"}]`},
	}
	for _, tc := range cases {
		r := NewRegistry(testLogger())
		if err := r.LoadFile(writeServices(t, tc.doc)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestRegistryFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.LoadFile(writeServices(t, `{"keep": {"url": "http://keep:9000", "visible": true}}`)); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := r.LoadFile(writeServices(t, `{"broken": }`)); err == nil {
		t.Fatalf("expected error for malformed document")
	}

	if _, ok := r.Lookup("keep"); !ok {
		t.Fatalf("previous snapshot lost after failed reload")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected registry size: got %d want 1", r.Len())
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	r := testRegistry(t)
	if _, ok := r.Lookup("nope"); ok {
		t.Fatalf("lookup of unregistered service should miss")
	}
}
