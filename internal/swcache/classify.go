package swcache

import (
	"net/http"
	"strings"
)

// Classifier maps a request to its Tier. It is pure: no I/O, no state
// beyond the compiled config.
type Classifier struct {
	apiRoutes      []pathPattern
	staticPrefixes []string
}

func NewClassifier(cfg *Config) *Classifier {
	return &Classifier{
		apiRoutes:      cfg.Cache.apiRoutes,
		staticPrefixes: cfg.Cache.StaticPrefixes,
	}
}

// Classify applies the rules in order, first match wins. API routes are
// checked before static prefixes so an API path under a static prefix is
// still an API request.
func (c *Classifier) Classify(r *Request) Tier {
	if r.Method != http.MethodGet {
		return TierBypass
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if matchAny(c.apiRoutes, path) {
		return TierApi
	}
	if isStaticDestination(r.Destination) || c.underStaticPrefix(path) {
		return TierStaticAsset
	}
	if r.Mode == "navigate" || r.Destination == "document" {
		return TierNavigation
	}
	return TierOther
}

func isStaticDestination(dest string) bool {
	switch dest {
	case "style", "script", "image", "font":
		return true
	}
	return false
}

func (c *Classifier) underStaticPrefix(path string) bool {
	for _, p := range c.staticPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
