package routes

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultWhitelist are the documentation, static and probe paths that never require a token.
var DefaultWhitelist = []string{
	"/api/v1/docs/**",
	"/api/v1/swagger-ui/**",
	"/api-docs/**",
	"/swagger-ui/**",
	"/favicon.ico",
	"/index.html",
	"/healthz",
	"/readyz",
	"/metrics",
}

// Whitelist matches request paths against glob patterns. "*" stays within one path
// segment, "**" spans segments, and "/x/**" also matches "/x" itself.
type Whitelist struct {
	globs []glob.Glob
}

// NewWhitelist compiles patterns.
func NewWhitelist(patterns ...string) (*Whitelist, error) {
	w := &Whitelist{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("routes: compile whitelist pattern %q: %w", p, err)
		}
		w.globs = append(w.globs, g)
		if base, ok := strings.CutSuffix(p, "/**"); ok && base != "" {
			w.globs = append(w.globs, glob.MustCompile(base, '/'))
		}
	}
	return w, nil
}

// Match reports whether path is whitelisted.
func (w *Whitelist) Match(path string) bool {
	if w == nil {
		return false
	}
	for _, g := range w.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
