package gateway

import (
	"log/slog"
	"time"

	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// BasePath mounts the profile endpoints under a prefix. Defaults to "".
	BasePath string
	// CORS tweaks cross-origin behavior for browser-based clients. Nil
	// enables a permissive default suitable for local development.
	CORS *cors.Options
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.CORS == nil {
		opts.CORS = &cors.Options{
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return opts
}
