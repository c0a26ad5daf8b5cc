package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Hop-by-hop headers are scoped to one transport leg and never forwarded.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

const streamBufferSize = 64 << 10

// BackendProxy forwards authenticated requests to registry services. HTML
// responses are routed through the composer; event streams pass through
// with a flush per chunk.
type BackendProxy struct {
	registry  *Registry
	sessions  *SessionManager
	validator *TokenValidator
	composer  *Composer
	logger    *slog.Logger
	htmlCap   int64

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// NewBackendProxy wires the proxy pipeline: authenticate, authorize,
// forward, compose.
func NewBackendProxy(registry *Registry, sessions *SessionManager, validator *TokenValidator, composer *Composer, htmlCap int64, logger *slog.Logger) *BackendProxy {
	return &BackendProxy{
		registry:   registry,
		sessions:   sessions,
		validator:  validator,
		composer:   composer,
		logger:     logger,
		htmlCap:    htmlCap,
		transports: make(map[string]http.RoundTripper),
	}
}

func (p *BackendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	entry, ok := p.registry.Lookup(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sess := p.sessions.Load(r)
	if !sess.Authenticated() {
		redirectToLogin(w, r)
		return
	}

	claims, err := p.validator.Validate(r.Context(), sess.Token)
	if err != nil {
		p.authFailure(w, r, err)
		return
	}

	if claims.Level < entry.MinRole {
		p.logger.Info("permission denied",
			"service", entry.Name,
			"subject", claims.Subject,
			"level", claims.Level.String(),
			"required", entry.MinRole.String(),
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	p.forward(w, r, entry, sess.Token, claims)
}

func (p *BackendProxy) authFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrKeysUnavailable) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	// Expired, revoked, malformed, or unverifiable: drop the session and
	// start over at login.
	p.logger.Debug("session token rejected", "error", err)
	p.sessions.Clear(w)
	redirectToLogin(w, r)
}

func (p *BackendProxy) forward(w http.ResponseWriter, r *http.Request, entry ServiceEntry, token string, claims *UserClaims) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out, err := p.buildUpstreamRequest(ctx, r, entry, token)
	if err != nil {
		p.logger.Error("building upstream request failed", "service", entry.Name, "error", err)
		p.badGateway(w, r, entry, claims)
		return
	}

	resp, err := p.transport(entry.Origin).RoundTrip(out)
	if err != nil {
		p.logger.Error("backend unreachable", "service", entry.Name, "target", out.URL.String(), "error", err)
		p.badGateway(w, r, entry, claims)
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	isSSE := strings.HasPrefix(ct, "text/event-stream")

	var body io.Reader = resp.Body
	if !isSSE && !strings.HasPrefix(ct, "text/html") && isChunked(resp) {
		// Some backends stream events without declaring the content type;
		// sniff the leading bytes before committing to a buffered path.
		br := bufio.NewReaderSize(resp.Body, streamBufferSize)
		if peek, _ := br.Peek(len("data:")); bytes.HasPrefix(peek, []byte("data:")) {
			isSSE = true
		}
		body = br
	}

	if isSSE {
		p.streamEvents(w, resp, body)
		return
	}

	// Non-streaming responses get a total deadline; SSE runs until either
	// side closes.
	timer := time.AfterFunc(DefaultProxyTotalCap, cancel)
	defer timer.Stop()

	if strings.HasPrefix(ct, "text/html") && resp.StatusCode < http.StatusInternalServerError {
		p.composeHTML(ctx, w, resp, body, entry, claims)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.CopyBuffer(w, body, make([]byte, streamBufferSize)); err != nil {
		p.logger.Debug("response copy interrupted", "service", entry.Name, "error", err)
		return
	}
	copyTrailers(w, resp)
}

func (p *BackendProxy) buildUpstreamRequest(ctx context.Context, r *http.Request, entry ServiceEntry, token string) (*http.Request, error) {
	tail := strings.TrimPrefix(r.URL.Path, "/"+entry.Name)
	if tail == "" {
		tail = "/"
	}

	outURL := *entry.Origin
	outURL.Path = strings.TrimSuffix(entry.Origin.Path, "/") + tail
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength

	for key, values := range r.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "Cookie", "Accept-Encoding":
			continue
		}
		out.Header[key] = values
	}

	// The gateway session cookie stays on this side of the proxy.
	for _, c := range r.Cookies() {
		if c.Name == p.sessions.CookieName() {
			continue
		}
		out.AddCookie(c)
	}

	out.Header.Set("Authorization", "Bearer "+token)
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Proto", schemeFromRequest(r))
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Prefix", "/"+entry.Name)

	return out, nil
}

// streamEvents relays an event stream, flushing after every read so events
// reach the client as the backend emits them.
func (p *BackendProxy) streamEvents(w http.ResponseWriter, resp *http.Response, body io.Reader) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	buf := make([]byte, streamBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if ferr := rc.Flush(); ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *BackendProxy) composeHTML(ctx context.Context, w http.ResponseWriter, resp *http.Response, body io.Reader, entry ServiceEntry, claims *UserClaims) {
	buffered, overflow, err := readUpTo(body, p.htmlCap)
	if err != nil {
		p.logger.Debug("reading html body failed", "service", entry.Name, "error", err)
		return
	}

	if overflow {
		p.logger.Warn("html body exceeds composition cap, streaming unmodified",
			"service", entry.Name, "cap_bytes", p.htmlCap)
		copyHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(buffered); err != nil {
			return
		}
		io.CopyBuffer(w, body, make([]byte, streamBufferSize))
		return
	}

	composed := p.composer.Compose(ctx, buffered, entry.Name, claims)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(composed)))
	w.WriteHeader(resp.StatusCode)
	w.Write(composed)
}

// badGateway renders the 502 page through the composer so the user keeps
// the navigation frame even when a backend is down.
func (p *BackendProxy) badGateway(w http.ResponseWriter, r *http.Request, entry ServiceEntry, claims *UserClaims) {
	page := fmt.Sprintf(
		`<!doctype html><html><head><title>Bad Gateway</title></head><body><h1>502 Bad Gateway</h1><p>The %s service is not responding. Please try again shortly.</p></body></html>`,
		displayName(entry.Name))
	composed := p.composer.Compose(r.Context(), []byte(page), entry.Name, claims)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(composed)))
	w.WriteHeader(http.StatusBadGateway)
	w.Write(composed)
}

// transport returns the bounded connection pool for one backend origin.
func (p *BackendProxy) transport(origin *url.URL) http.RoundTripper {
	key := origin.Scheme + "://" + origin.Host

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   64,
		MaxConnsPerHost:       256,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: DefaultHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	p.transports[key] = t
	return t
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = values
	}
}

func copyTrailers(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Trailer {
		for _, v := range values {
			w.Header().Add(http.TrailerPrefix+key, v)
		}
	}
}

func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// readUpTo buffers at most limit bytes. overflow reports that the source
// had more; the remainder is still readable from r.
func readUpTo(r io.Reader, limit int64) (buf []byte, overflow bool, err error) {
	buf, err = io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) < limit {
		return buf, false, nil
	}
	// Full read up to the limit: check for one more byte.
	probe := make([]byte, 1)
	n, err := r.Read(probe)
	if n > 0 {
		return append(buf, probe[0]), true, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return buf, false, nil
}
