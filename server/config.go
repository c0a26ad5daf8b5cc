package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and proxy defaults.
const (
	DefaultSessionTTL     = time.Hour
	DefaultHTMLBufferCap  = 8 << 20
	DefaultServicesFile   = "services.json"
	DefaultAuthIssuer     = "hivematrix-core"
	DefaultPrefsService   = "codex"
	DefaultConnectTimeout = 5 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second
	DefaultProxyTotalCap  = 5 * time.Minute
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables. Environment values win over the file.
type Config struct {
	ListenAddr   string    `yaml:"listen_addr"`
	PublicOrigin string    `yaml:"public_origin"`
	CookieSecret string    `yaml:"cookie_secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	ServicesFile string    `yaml:"services_file"`
	TLS          TLSConfig `yaml:"tls"`

	AuthService AuthServiceConfig `yaml:"auth_service"`
	IdP         IdPConfig         `yaml:"idp"`

	// PreferencesService names the registry entry queried for per-user
	// theme and home-page preferences.
	PreferencesService string `yaml:"preferences_service"`

	// HTMLBufferCap bounds how much of a text/html backend response is
	// buffered for composition. Larger bodies stream through unmodified.
	HTMLBufferCap int64 `yaml:"html_buffer_cap"`
}

// TLSConfig selects between on-disk materials and ACME issuance. When
// CertFile and KeyFile are set they win; otherwise ACMEDomains enables
// autocert; otherwise the listener is plain HTTP.
type TLSConfig struct {
	CertFile    string   `yaml:"cert_file"`
	KeyFile     string   `yaml:"key_file"`
	ACMEDomains []string `yaml:"acme_domains"`
	ACMEEmail   string   `yaml:"acme_email"`
	ACMECache   string   `yaml:"acme_cache"`
}

// AuthServiceConfig locates the internal token-issuing service.
type AuthServiceConfig struct {
	URL    string `yaml:"url"`
	Issuer string `yaml:"issuer"`
}

// IdPConfig describes the external identity provider. Endpoints may be
// given explicitly or discovered from Issuer.
type IdPConfig struct {
	Issuer           string `yaml:"issuer"`
	AuthorizationURL string `yaml:"authorization_url"`
	TokenURL         string `yaml:"token_url"`
	EndSessionURL    string `yaml:"end_session_url"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	// ProxiedOrigin is the IdP authority the /idp/ proxy forwards to. It
	// defaults to the authority of AuthorizationURL or Issuer.
	ProxiedOrigin string `yaml:"proxied_origin"`
}

// LoadConfig reads the optional YAML config file and merges environment
// overrides. path may be empty.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":443",
		SessionTTL:         DefaultSessionTTL,
		ServicesFile:       DefaultServicesFile,
		AuthService:        AuthServiceConfig{Issuer: DefaultAuthIssuer},
		PreferencesService: DefaultPrefsService,
		HTMLBufferCap:      DefaultHTMLBufferCap,
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LISTEN_ADDR":           func(v string) { cfg.ListenAddr = v },
		"PUBLIC_ORIGIN":         func(v string) { cfg.PublicOrigin = v },
		"COOKIE_SECRET":         func(v string) { cfg.CookieSecret = v },
		"SESSION_TTL":           func(v string) { cfg.SessionTTL = parseDuration(v, cfg.SessionTTL) },
		"SERVICES_FILE":         func(v string) { cfg.ServicesFile = v },
		"TLS_CERT":              func(v string) { cfg.TLS.CertFile = v },
		"TLS_KEY":               func(v string) { cfg.TLS.KeyFile = v },
		"ACME_DOMAINS":          func(v string) { cfg.TLS.ACMEDomains = splitAndTrim(v) },
		"ACME_EMAIL":            func(v string) { cfg.TLS.ACMEEmail = v },
		"AUTH_SERVICE_URL":      func(v string) { cfg.AuthService.URL = v },
		"AUTH_SERVICE_ISSUER":   func(v string) { cfg.AuthService.Issuer = v },
		"IDP_ISSUER":            func(v string) { cfg.IdP.Issuer = v },
		"IDP_AUTHORIZATION_URL": func(v string) { cfg.IdP.AuthorizationURL = v },
		"IDP_TOKEN_URL":         func(v string) { cfg.IdP.TokenURL = v },
		"IDP_END_SESSION_URL":   func(v string) { cfg.IdP.EndSessionURL = v },
		"IDP_CLIENT_ID":         func(v string) { cfg.IdP.ClientID = v },
		"IDP_CLIENT_SECRET":     func(v string) { cfg.IdP.ClientSecret = v },
		"IDP_PROXIED_ORIGIN":    func(v string) { cfg.IdP.ProxiedOrigin = v },
		"PREFERENCES_SERVICE":   func(v string) { cfg.PreferencesService = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs startup sanity checks. Any failure here aborts the
// process with the bad-configuration exit code.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.PublicOrigin == "" {
		return errors.New("public_origin is required (set PUBLIC_ORIGIN)")
	}
	if !isAbsoluteHTTP(c.PublicOrigin) {
		return fmt.Errorf("public_origin must be an absolute http(s) URL, got %q", c.PublicOrigin)
	}
	if len(c.CookieSecret) < 32 {
		return errors.New("cookie_secret must be at least 32 bytes (set COOKIE_SECRET)")
	}
	if c.AuthService.URL == "" {
		return errors.New("auth_service.url is required (set AUTH_SERVICE_URL)")
	}
	if !isAbsoluteHTTP(c.AuthService.URL) {
		return fmt.Errorf("auth_service.url must be an absolute http(s) URL, got %q", c.AuthService.URL)
	}
	if c.IdP.ClientID == "" {
		return errors.New("idp.client_id is required (set IDP_CLIENT_ID)")
	}
	if c.IdP.ClientSecret == "" {
		return errors.New("idp.client_secret is required (set IDP_CLIENT_SECRET)")
	}
	if c.IdP.Issuer == "" && (c.IdP.AuthorizationURL == "" || c.IdP.TokenURL == "") {
		return errors.New("idp endpoints are required: set IDP_AUTHORIZATION_URL and IDP_TOKEN_URL, or IDP_ISSUER for discovery")
	}
	for name, v := range map[string]string{
		"idp.authorization_url": c.IdP.AuthorizationURL,
		"idp.token_url":         c.IdP.TokenURL,
		"idp.end_session_url":   c.IdP.EndSessionURL,
		"idp.proxied_origin":    c.IdP.ProxiedOrigin,
	} {
		if v != "" && !isAbsoluteHTTP(v) {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, v)
		}
	}
	if c.SessionTTL <= 0 || c.SessionTTL > time.Hour {
		return fmt.Errorf("session_ttl must be between 0 and 1h, got %s", c.SessionTTL)
	}
	if c.HTMLBufferCap <= 0 {
		return errors.New("html_buffer_cap must be positive")
	}
	return nil
}

// IdPOrigin resolves the scheme+authority the /idp/ proxy forwards to.
func (c Config) IdPOrigin() (*url.URL, error) {
	raw := c.IdP.ProxiedOrigin
	if raw == "" {
		raw = c.IdP.AuthorizationURL
	}
	if raw == "" {
		raw = c.IdP.Issuer
	}
	if raw == "" {
		return nil, errors.New("no idp origin configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse idp origin: %w", err)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
