package server

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
)

const idpPrefix = "/idp"

// IdPProxy exposes the identity provider through the gateway's own origin.
// The IdP believes it is serving its configured authority; the browser only
// ever sees /idp/ paths. No gateway session is required here: this proxy is
// how sessions get made.
type IdPProxy struct {
	origin    *url.URL
	originStr string
	proxy     *httputil.ReverseProxy
	logger    *slog.Logger
}

// NewIdPProxy builds the rewriting proxy for the given IdP origin.
func NewIdPProxy(origin *url.URL, logger *slog.Logger) *IdPProxy {
	p := &IdPProxy{
		origin:    origin,
		originStr: origin.Scheme + "://" + origin.Host,
		logger:    logger,
	}

	rp := httputil.NewSingleHostReverseProxy(origin)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)

		req.URL.Path = strings.TrimPrefix(req.URL.Path, idpPrefix)
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}

		req.Host = origin.Host
		if req.Header.Get("Origin") != "" {
			req.Header.Set("Origin", p.originStr)
		}
		// Rewritable bodies must arrive uncompressed; the transport still
		// negotiates gzip transparently when it can.
		req.Header.Del("Accept-Encoding")

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Prefix", idpPrefix)
	}
	rp.ModifyResponse = p.rewriteResponse
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error("idp proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
	}

	p.proxy = rp
	return p
}

func (p *IdPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

func (p *IdPProxy) rewriteResponse(resp *http.Response) error {
	if loc := resp.Header.Get("Location"); strings.HasPrefix(loc, p.originStr) {
		rest := strings.TrimPrefix(loc, p.originStr)
		if rest == "" {
			rest = "/"
		}
		resp.Header.Set("Location", idpPrefix+rest)
	}

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, 0, len(cookies))
		for _, c := range cookies {
			rewritten = append(rewritten, rewriteSetCookie(c))
		}
		resp.Header.Del("Set-Cookie")
		for _, c := range rewritten {
			resp.Header.Add("Set-Cookie", c)
		}
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "text/css") {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		// Literal scheme+authority substitution only; the IdP's markup is
		// not parsed.
		body = bytes.ReplaceAll(body, []byte(p.originStr), []byte(idpPrefix))
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return nil
}

// rewriteSetCookie scopes an IdP cookie to the /idp/ subtree: the Domain
// attribute is dropped and root paths are re-rooted under the proxy prefix.
func rewriteSetCookie(value string) string {
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts)+1)
	sawSameSite := false
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		lower := strings.ToLower(trimmed)
		switch {
		case i == 0:
			out = append(out, part)
		case strings.HasPrefix(lower, "domain="):
			// dropped
		case strings.HasPrefix(lower, "path="):
			path := trimmed[len("path="):]
			if !strings.HasPrefix(path, idpPrefix) {
				if path == "/" {
					path = idpPrefix + "/"
				} else {
					path = idpPrefix + path
				}
			}
			out = append(out, " Path="+path)
		case strings.HasPrefix(lower, "samesite="):
			sawSameSite = true
			out = append(out, part)
		default:
			out = append(out, part)
		}
	}
	if !sawSameSite {
		out = append(out, " SameSite=Lax")
	}
	return strings.Join(out, ";")
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
