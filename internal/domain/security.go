package domain

import (
	"sort"
	"strings"
)

// SecurityContext is the verified caller context handed over by the authentication layer.
// It is validated once by NewSecurityContext and treated as immutable afterwards.
type SecurityContext struct {
	identity    string
	permissions map[string]struct{}
	origin      string
}

// NewSecurityContext builds a SecurityContext. identity must be non-empty.
func NewSecurityContext(identity string, permissions []string, origin string) (SecurityContext, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return SecurityContext{}, ErrIdentity
	}

	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		if p = strings.TrimSpace(p); p != "" {
			perms[p] = struct{}{}
		}
	}

	return SecurityContext{identity: identity, permissions: perms, origin: origin}, nil
}

func (s SecurityContext) Identity() string { return s.identity }
func (s SecurityContext) Origin() string   { return s.origin }

// HasPermission reports whether the permission was granted at admission.
func (s SecurityContext) HasPermission(permission string) bool {
	_, ok := s.permissions[permission]
	return ok
}

// Permissions returns the granted permissions in sorted order.
func (s SecurityContext) Permissions() []string {
	out := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
