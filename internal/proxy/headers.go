package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders lists headers that must be removed when proxying
// (RFC 7230 Section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// internalHeaderPrefix marks gateway-internal headers that never leave the gateway.
const internalHeaderPrefix = "x-payload-sentinel-"

// CopyHeadersFiltered copies headers from src to dst, excluding hop-by-hop
// headers and any header named by the Connection header.
func CopyHeadersFiltered(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if isHopByHop(key) || named[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// setForwardingHeaders adds X-Forwarded-* to the upstream request and strips
// gateway-internal headers.
func setForwardingHeaders(dst http.Header, r *http.Request) {
	clientIP := extractClientIP(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		dst.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		dst.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	dst.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		dst.Set("X-Forwarded-Host", r.Host)
	}

	for key := range dst {
		if strings.HasPrefix(strings.ToLower(key), internalHeaderPrefix) {
			dst.Del(key)
		}
	}
}

func isHopByHop(header string) bool {
	canonical := http.CanonicalHeaderKey(header)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

func connectionTokens(h http.Header) map[string]bool {
	var named map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				if named == nil {
					named = make(map[string]bool)
				}
				named[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return named
}

func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
