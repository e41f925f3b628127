// Decides, for every intercepted request, whether to answer from cache, network or both
package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/iTrooz/offline-proxy/internal/cache"
)

// Class is the category a request falls in; it selects the caching strategy
type Class int

const (
	ClassOther Class = iota
	ClassAPI
	ClassNavigation
	ClassStaticAsset
)

func (c Class) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	case ClassStaticAsset:
		return "static-asset"
	default:
		return "other"
	}
}

// Mode is the retrieval mode of a request
type Mode int

const (
	ModeDefault Mode = iota
	// ModeNavigate is a top-level page load
	ModeNavigate
)

// ModeOf reads the retrieval mode browsers announce in Sec-Fetch-Mode
func ModeOf(req *http.Request) Mode {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return ModeNavigate
	}
	return ModeDefault
}

// DefaultStaticExtensions lists the asset types served cache-first
var DefaultStaticExtensions = []string{
	".js", ".css",
	".woff", ".woff2",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp",
	".ico",
}

// Classifier maps a URL and a retrieval mode to a Class
type Classifier struct {
	APIPrefix        string
	StaticPrefix     string
	EntryDocument    string
	StaticExtensions []string
}

func DefaultClassifier() Classifier {
	return Classifier{
		APIPrefix:        "/api",
		StaticPrefix:     "/static/",
		EntryDocument:    "/index.html",
		StaticExtensions: DefaultStaticExtensions,
	}
}

// Classify never fails: an unparsable URL is ClassOther whatever the mode.
// Rules are checked in order api, navigation, static-asset.
func (c Classifier) Classify(rawURL string, mode Mode) Class {
	if rawURL == "" {
		return ClassOther
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassOther
	}

	p := u.Path
	if p == "" && u.Host != "" {
		p = "/"
	}

	if c.APIPrefix != "" && strings.HasPrefix(p, c.APIPrefix) {
		return ClassAPI
	}

	if mode == ModeNavigate || p == "/" || (c.EntryDocument != "" && p == c.EntryDocument) {
		return ClassNavigation
	}

	if c.StaticPrefix != "" && strings.HasPrefix(p, c.StaticPrefix) && c.isStaticExtension(path.Ext(p)) {
		return ClassStaticAsset
	}

	return ClassOther
}

// ClassifyRequest classifies the target URL of req using its Sec-Fetch-Mode
func (c Classifier) ClassifyRequest(req *http.Request) Class {
	return c.Classify(cache.TargetURL(req), ModeOf(req))
}

func (c Classifier) isStaticExtension(ext string) bool {
	if ext == "" {
		return false
	}
	for _, allowed := range c.StaticExtensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}
