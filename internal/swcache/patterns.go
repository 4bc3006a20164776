package swcache

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// pathPattern matches a URL path. Patterns are globs with '/' as separator
// ("/api/*", "/api/**") unless prefixed with "re:", which makes them regexps.
type pathPattern interface {
	Match(path string) bool
}

type regexpPattern struct{ re *regexp.Regexp }

func (p regexpPattern) Match(path string) bool { return p.re.MatchString(path) }

func compilePattern(expr string) (pathPattern, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if rest, ok := strings.CutPrefix(expr, "re:"); ok {
		re, err := regexp.Compile(rest)
		if err != nil {
			return nil, err
		}
		return regexpPattern{re: re}, nil
	}
	if !strings.HasPrefix(expr, "/") {
		return nil, fmt.Errorf("glob %q must start with /", expr)
	}
	g, err := glob.Compile(expr, '/')
	if err != nil {
		return nil, err
	}
	return g, nil
}

func compilePatterns(exprs []string) ([]pathPattern, error) {
	out := make([]pathPattern, 0, len(exprs))
	for i, e := range exprs {
		p, err := compilePattern(e)
		if err != nil {
			return nil, fmt.Errorf("[%d] %q: %w", i, e, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func matchAny(patterns []pathPattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}
