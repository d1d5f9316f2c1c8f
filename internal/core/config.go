package core

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rustycawk/rs-filestore/internal/auth"
	"github.com/rustycawk/rs-filestore/internal/storage"
)

type Config struct {
	Engine *storage.Engine

	// MaxUploadSize caps the request body of an upload. Zero leaves the
	// limit to the engine.
	MaxUploadSize int64

	// Registry receives the server's metrics. A private registry is created
	// when nil.
	Registry *prometheus.Registry

	// MaxConcurrentUploads bounds uploads in flight. Zero means no bound.
	MaxConcurrentUploads int64

	// Authenticator guards uploads. Uploads are open when nil.
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithEngine(engine *storage.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithMaxUploadSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadSize = size
	}
}

func WithMaxConcurrentUploads(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxConcurrentUploads = n
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegistry(registry *prometheus.Registry) ConfigOption {
	return func(cfg *Config) {
		cfg.Registry = registry
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
