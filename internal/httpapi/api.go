// Package httpapi exposes the engine over HTTP and gRPC health.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/directory"
	"clinicore.org/internal/grants"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/records"
	"clinicore.org/internal/store"
)

const serviceName = "clinicore"

// ReadyProbe reports readiness by pinging the store when it supports it.
type ReadyProbe struct {
	Store store.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if p, ok := rp.Store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the API serves.
type Deps struct {
	Directory  *directory.Service
	Grants     *grants.Service
	Records    *records.Registry
	Audit      *audit.Log
	Authorizer *auth.Authorizer
	Ready      readinessChecker
}

func (d Deps) validate() error {
	if d.Directory == nil || d.Grants == nil || d.Records == nil || d.Audit == nil || d.Authorizer == nil {
		return errors.New("httpapi: directory, grants, records, audit and authorizer are required")
	}
	return nil
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	Logger         *slog.Logger
	CORSOrigins    []string
	MaxBodyBytes   int64
	LoginPerMinute int
	LoginBurst     int
}

// API is the HTTP layer.
type API struct {
	dir     *directory.Service
	grants  *grants.Service
	records *records.Registry
	audit   *audit.Log
	authz   *auth.Authorizer
	ready   readinessChecker

	version string
	logger  *slog.Logger
	limiter *RateLimiter
	router  chi.Router
	opts    Options
}

// New builds the API and its router.
func New(deps Deps, opts Options) (*API, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = obs.Discard()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	ready := deps.Ready
	if ready == nil {
		ready = ReadyProbe{}
	}
	a := &API{
		dir:     deps.Directory,
		grants:  deps.Grants,
		records: deps.Records,
		audit:   deps.Audit,
		authz:   deps.Authorizer,
		ready:   ready,
		version: opts.Version,
		logger:  opts.Logger,
		limiter: NewRateLimiter(opts.LoginPerMinute, opts.LoginBurst),
		opts:    opts,
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router, nil)
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingJSON(a.logger))
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", obs.Handler())
	r.With(a.limiter.Middleware).Post("/v1/auth/login", a.login)

	r.Group(func(r chi.Router) {
		r.Use(a.withSession)

		r.Post("/v1/auth/logout", a.logout)
		r.Get("/v1/auth/session", a.currentSession)
		r.Put("/v1/auth/credential", a.changeCredential)
		r.Get("/v1/roles", a.listRoles)

		r.Route("/v1/accounts", func(r chi.Router) {
			r.With(a.requirePermission(auth.PermAccountsRead)).Get("/", a.listAccounts)
			r.Post("/", a.createAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getAccount)
				r.Patch("/", a.updateAccount)
				r.Delete("/", a.deleteAccount)
				r.Post("/deactivate", a.deactivateAccount)
				r.Post("/activate", a.activateAccount)
				r.Get("/grants", a.listGranteeGrants)
			})
		})

		r.Route("/v1/patients/{patientID}", func(r chi.Router) {
			r.Get("/grants", a.listPatientGrants)
			r.Post("/grants", a.createGrant)
			r.Get("/access", a.patientAccess)
		})
		r.Delete("/v1/grants/{id}", a.revokeGrant)

		r.Post("/v1/authz/check", a.checkAccess)

		r.Route("/v1/records", func(r chi.Router) {
			r.Post("/patients", a.registerPatient)
			r.Post("/appointments", a.registerAppointment)
			r.Post("/prescriptions", a.registerPrescription)
			r.Post("/documents", a.registerDocument)
		})

		r.Route("/v1/audit", func(r chi.Router) {
			r.Get("/", a.queryAudit)
			r.Get("/export", a.exportAudit)
			r.Get("/verify", a.verifyAudit)
			r.Get("/stream", a.streamAudit)
			r.Get("/resources/{type}/{id}", a.auditByResource)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// fail logs unexpected errors before mapping them to a response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isKnown(err) {
		a.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	handleError(w, r, err)
}

func isKnown(err error) bool {
	for _, k := range []error{auth.ErrValidation, auth.ErrUnauthorized, auth.ErrForbidden, auth.ErrNotFound, auth.ErrConflict, auth.ErrInvariant} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
