package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// TokenAuthEngine accepts a static bearer token.
type TokenAuthEngine struct {
	Token string
}

var _ AuthEngine = (*TokenAuthEngine)(nil)

func NewTokenAuthEngine(token string) *TokenAuthEngine {
	return &TokenAuthEngine{Token: token}
}

func (e *TokenAuthEngine) AuthenticateRequest(_ context.Context, r *http.Request) (bool, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, BearerPrefix) {
		return false, nil
	}

	token := strings.TrimSpace(header[len(BearerPrefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(e.Token)) == 1, nil
}
