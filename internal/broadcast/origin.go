package broadcast

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/gorelay/internal/logger"
)

// originPolicy decides which browser origins may open a subscription.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("Ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

// NormalizeOrigin lower-cases scheme and host and drops any path. It
// reports false for values that are not absolute URLs.
func NormalizeOrigin(origin string) (string, bool) {
	return normalizeOrigin(origin)
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p originPolicy) allows(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

func (p originPolicy) check(r *http.Request) bool {
	if p.allows(r) {
		return true
	}
	logger.Warn("Blocked subscription from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
