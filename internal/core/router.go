package core

import (
	"net/http"
)

// Handler returns the http.Handler serving uploads, objects and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var upload http.Handler = http.HandlerFunc(s.handleUpload)
	if s.Config.MaxConcurrentUploads > 0 {
		upload = LimitConcurrency(s.Config.MaxConcurrentUploads)(upload)
	}
	if s.Config.Authenticator != nil {
		upload = RequireAuthentication(s.Config.Authenticator)(upload)
	}
	mux.Handle("POST /upload", upload)

	mux.Handle("GET /metrics", s.metrics.handler())

	mux.HandleFunc("GET /{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleGet(w, r, id)
	})

	// Add middleware
	handler := SlashFix(mux)
	handler = s.metrics.instrument(handler)
	handler = AllowCORS(handler)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	return handler
}
