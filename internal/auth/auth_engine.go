// Package auth decides whether a request may upload. Retrieval is always
// public; only POST /upload is guarded, and only when an engine is
// configured.
package auth

import (
	"context"
	"net/http"
)

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns true; otherwise, it
	// returns false. An error is returned if there was an issue processing
	// the authentication.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (bool, error)
}
