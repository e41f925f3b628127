package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TargetURL returns the absolute URL a request points to
func TargetURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""

	if u.IsAbs() {
		return u.String()
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u.Scheme = scheme
	if u.Host == "" {
		u.Host = r.Host
	}

	return u.String()
}

// KeyFor returns the canonical identity of a request: "METHOD absolute-url"
func KeyFor(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + TargetURL(r)
}

// KeyForURL returns the GET key of the document at path on the origin of r
func KeyForURL(r *http.Request, path string) string {
	u, err := url.Parse(TargetURL(r))
	if err != nil {
		return ""
	}
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	return http.MethodGet + " " + u.String()
}

// splitKey reverses KeyFor
func splitKey(key string) (string, *url.URL, error) {
	method, rawURL, ok := strings.Cut(key, " ")
	if !ok || method == "" {
		return "", nil, fmt.Errorf("malformed cache key %q", key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("malformed cache key %q: %w", key, err)
	}
	return method, u, nil
}
