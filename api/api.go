// Package api exposes a session engine over HTTP for the page that hosts
// it: session state, signal intake, the CSRF token and logout, plus the
// middleware that enforces the token and the security headers.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironsession/engine"
	"github.com/jmcleod/ironsession/session"
)

// Session is the part of engine.Coordinator the handlers use.
type Session interface {
	State() *session.State
	Signal(ctx context.Context, sig session.Signal) error
	UpdateMetadata(ctx context.Context, fn func(*session.Metadata)) error
	Logout(ctx context.Context) error
	CSRFToken() (string, error)
	ValidateCSRF(ctx context.Context, token string) error
}

var _ Session = (*engine.Coordinator)(nil)

// API holds the dependencies needed by the REST handlers.
type API struct {
	session Session
	headers engine.HeaderPolicy
	logger  *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request failures.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithHeaderPolicy sets the policy used by SecurityHeaders.
func WithHeaderPolicy(p engine.HeaderPolicy) Option {
	return func(a *API) {
		a.headers = p
	}
}

// New creates a new API instance serving s.
func New(s Session, opts ...Option) *API {
	a := &API{
		session: s,
		headers: engine.HeaderPolicy{Environment: engine.Production},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted. Mount it under
// /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/session", a.GetSession)
	r.Get("/session/csrf", a.GetCSRFToken)

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware)
		r.Post("/session/signals", a.PostSignal)
		r.Put("/session/metadata", a.PutMetadata)
		r.Post("/session/logout", a.Logout)
	})

	return r
}
