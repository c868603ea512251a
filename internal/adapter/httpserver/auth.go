package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pscheid92/collabpulse/internal/domain"
)

// Headers set by the authenticating gateway in front of this service.
const (
	HeaderUser        = "X-Authenticated-User"
	HeaderPermissions = "X-Authenticated-Permissions"
	HeaderCorrelation = "X-Correlation-ID"
)

// Authenticator turns an incoming upgrade request into a verified security context.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.SecurityContext, error)
}

// HeaderAuthenticator trusts identity headers injected by an upstream gateway.
// The Origin header is taken from the browser request as-is.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (domain.SecurityContext, error) {
	var permissions []string
	if raw := r.Header.Get(HeaderPermissions); raw != "" {
		permissions = strings.Split(raw, ",")
	}

	sec, err := domain.NewSecurityContext(r.Header.Get(HeaderUser), permissions, r.Header.Get("Origin"))
	if err != nil {
		return domain.SecurityContext{}, fmt.Errorf("authenticate request: %w", err)
	}
	return sec, nil
}
