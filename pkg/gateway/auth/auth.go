// Package auth reads feed access tokens from HTTP requests.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Token sources.
const (
	SourceHeader = "header"
	SourceQuery  = "query"
)

// Credential is the access token a feed client presented.
type Credential struct {
	Token  string
	Source string
}

type ctxKey struct{}

func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func CredentialFrom(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Credential)
	return c, ok && c != nil
}

// FromRequest prefers an Authorization bearer token and falls back to the
// access_token query parameter, which browsers use for websockets since
// they cannot set headers on the upgrade request.
func FromRequest(r *http.Request) (Credential, bool) {
	if token, ok := ParseBearer(r); ok {
		return Credential{Token: token, Source: SourceHeader}, true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return Credential{Token: token, Source: SourceQuery}, true
	}
	return Credential{}, false
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token, token != ""
}
