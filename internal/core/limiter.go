package core

import (
	"net/http"

	"golang.org/x/sync/semaphore"
)

// LimitConcurrency is middleware that serves at most n requests at a time
// and turns the rest away with 503.
func LimitConcurrency(n int64) func(http.Handler) http.Handler {
	sem := semaphore.NewWeighted(n)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sem.TryAcquire(1) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "too many uploads in progress"})
				return
			}
			defer sem.Release(1)

			next.ServeHTTP(w, r)
		})
	}
}
