package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/rustycawk/rs-filestore/internal/imaging"
	"github.com/rustycawk/rs-filestore/internal/storage"
)

// statusClientClosedRequest is reported when the client went away before
// the request completed. Nobody reads it; it keeps logs and metrics honest.
const statusClientClosedRequest = 499

// Server exposes an Engine over HTTP.
type Server struct {
	Config  Config
	metrics *metrics
}

// NewServer returns a Server for cfg. The engine stays owned by the caller.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("Engine must not be nil")
	}

	m, err := newMetrics(cfg.Registry, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &Server{Config: cfg, metrics: m}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Write JSON response", "err", err)
	}
}

// writeError maps err onto a status code and writes it as a JSON error.
// Internal details are logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		message string
		maxErr  *http.MaxBytesError
	)

	switch {
	case errors.Is(err, context.Canceled):
		status, message = statusClientClosedRequest, "request cancelled"
	case errors.Is(err, storage.ErrNotFound):
		status, message = http.StatusNotFound, "object not found"
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &maxErr):
		status, message = http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, storage.ErrDecode):
		status, message = http.StatusUnprocessableEntity, "object could not be decoded"
	case errors.Is(err, storage.ErrResourceExhausted), errors.Is(err, storage.ErrConflict):
		status, message = http.StatusServiceUnavailable, "no identifier available, try again"
	default:
		status, message = http.StatusInternalServerError, "internal error"
	}

	if status >= 500 {
		slog.Error("Handle request", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		slog.Debug("Handle request", "method", r.Method, "path", r.URL.Path, "err", err)
	}

	writeJSON(w, status, ErrorResponse{Error: message})
}

// uploadBody returns the payload of an upload request: the first part of a
// multipart form, or the raw body otherwise.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}

	part, err := mr.NextPart()
	if err != nil {
		return nil, err
	}
	return part, nil
}

// handleUpload implements POST /upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.Config.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadSize)
	}

	body, err := uploadBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, err)
			return
		}
		slog.Debug("Read multipart upload", "err", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed multipart upload"})
		return
	}

	loc, err := s.Config.Engine.Ingest(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !loc.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, UploadResponse{Link: loc.URL})
}

// handleGet implements GET /{id}, with an optional ?resize=WxH for images.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	var opts storage.RetrieveOptions
	if raw := r.URL.Query().Get("resize"); raw != "" {
		if d, ok := imaging.ParseDirective(raw); ok {
			opts.Resize = &d
		}
	}

	obj, err := s.Config.Engine.Retrieve(r.Context(), id, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(obj.Data); err != nil {
		slog.Error("Stream object", "id", id, "err", err)
	}
}
