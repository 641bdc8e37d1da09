package sigserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// originChecker builds the websocket upgrade origin policy.
//
// Non-browser clients send no Origin header and always pass. Browsers are
// checked against the allowlist: "*" admits everything, otherwise entries
// must match the normalized origin. An empty allowlist falls back to
// same-host only, which keeps a plain deployment safe from cross-site
// websocket hijacking without configuration.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make([]string, 0, len(allowedOrigins))
	wildcard := false
	for _, raw := range allowedOrigins {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			wildcard = true
			continue
		}
		if norm, _, ok := normalizeOrigin(entry); ok {
			allowed = append(allowed, norm)
		}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		if wildcard {
			return true
		}
		origin, host, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		if len(allowed) > 0 {
			for _, entry := range allowed {
				if entry == origin {
					return true
				}
			}
			return false
		}
		return sameHost(host, r.Host)
	}
}

// normalizeOrigin validates an Origin value and reduces it to
// scheme://host[:port] with default ports stripped, plus the bare
// host[:port] for same-host comparison.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return "", "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, host, true
}

// sameHost compares an origin host against the request's Host header,
// treating default ports as absent on both sides.
func sameHost(originHost, requestHost string) bool {
	requestHost = strings.ToLower(strings.TrimSpace(requestHost))
	for _, defaultPort := range []string{":80", ":443"} {
		requestHost = strings.TrimSuffix(requestHost, defaultPort)
	}
	return originHost == requestHost
}
