package auth

import (
	"context"
	"net/http"
)

// CompoundAuthEngine accepts a request when any of its engines does.
type CompoundAuthEngine struct {
	engines []AuthEngine
}

var _ AuthEngine = (*CompoundAuthEngine)(nil)

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (bool, error) {
	var firstErr error
	for _, engine := range e.engines {
		ok, err := engine.AuthenticateRequest(ctx, r)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}

	return false, firstErr
}
