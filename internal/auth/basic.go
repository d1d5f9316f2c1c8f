package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// BasicAuthEngine accepts one fixed user and password.
type BasicAuthEngine struct {
	Username string
	Password string
}

var _ AuthEngine = (*BasicAuthEngine)(nil)

func NewBasicAuthEngine(username string, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns true if the credentials are valid, false otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(_ context.Context, r *http.Request) (bool, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.Password)) == 1
	return userOK && passOK, nil
}
