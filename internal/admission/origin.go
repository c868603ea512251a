package admission

import (
	"net/url"
	"strings"
)

// OriginPolicy is an allow-list of exact origins. "*" allows everything; "" admits
// clients that send no Origin header (non-browser clients).
type OriginPolicy struct {
	allowAll   bool
	allowEmpty bool
	origins    map[string]struct{}
}

func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		o := strings.TrimSpace(raw)
		switch o {
		case "*":
			p.allowAll = true
		case "":
			p.allowEmpty = true
		default:
			p.origins[normalizeOrigin(o)] = struct{}{}
		}
	}
	return p
}

func (p OriginPolicy) Allowed(origin string) bool {
	if p.allowAll {
		return true
	}
	if origin == "" {
		return p.allowEmpty
	}
	_, ok := p.origins[normalizeOrigin(origin)]
	return ok
}

// normalizeOrigin reduces a URL to scheme://host so that trailing slashes and paths
// in configuration do not cause mismatches.
func normalizeOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
