// Package auth resolves a bearer credential to a caller identity.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/park285/cheese-rooms/internal/domain"
)

type Identity struct {
	ID   domain.UserID
	Name string
}

// Verifier is called once per connection.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// BearerFrom extracts the credential from the Authorization header or the token query parameter.
// Browsers cannot set headers on a websocket upgrade, hence the query fallback.
func BearerFrom(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func unauthorized(msg string, cause error) error {
	return domain.Wrap(domain.ErrUnauthorized, msg, cause)
}
