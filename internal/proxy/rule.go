package proxy

import (
	"net/http"
	"strings"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
)

// Rule interface for matching requests against interception rules
type Rule interface {
	Match(req *http.Request) bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.Rule
}

// Match checks if a request matches this rule. A rule without methods matches every method.
func (r *ConfigRule) Match(req *http.Request) bool {
	if !strings.HasPrefix(cache.TargetURL(req), r.BaseURI) {
		return false
	}

	if len(r.Methods) == 0 {
		return true
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
