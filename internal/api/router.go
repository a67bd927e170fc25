package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/guard"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/metrics"
	"github.com/alecgard/schoolgate/internal/ratelimit"
	"github.com/alecgard/schoolgate/internal/tenant"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Hub      *Hub
	Limiter  *ratelimit.Limiter
	Resolver guard.Resolver
	Profiles ProfileUpdater
	Members  Members
	Schools  SchoolDirectory
	Roles    RoleWriter
	Audit    Recorder
	AuditLog AuditLog
	Metrics  *metrics.Metrics

	Redirects      guard.Redirects
	AllowedOrigins []string
	DBPool         Pinger
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	events := auditor{rec: deps.Audit}
	if deps.Metrics != nil {
		events.attempts = deps.Metrics
	}

	r.Get("/health", healthHandler(deps.DBPool))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Exposition())
		r.Get("/api/v1/metrics", deps.Metrics.Handler())
	}

	if deps.Hub == nil {
		return r
	}

	authH := newAuthHandler(deps.Hub, deps.Limiter, deps.Profiles, events)
	adminH := newAdminAuthHandler(deps.Hub, deps.Limiter, events)
	surfaces := &surfacesHandler{
		hub:      deps.Hub,
		schools:  deps.Schools,
		members:  deps.Members,
		writer:   deps.Roles,
		resolver: deps.Resolver,
		auditLog: deps.AuditLog,
		events:   events,
	}
	g := guards{hub: deps.Hub, resolver: deps.Resolver, redirects: deps.Redirects, hooks: guard.Hooks{
		OnDenied: func(r *http.Request, name string, v guard.Verdict) {
			events.record(r, audit.Event{Kind: audit.KindGuardDenied, Surface: name, Subject: v.Subject,
				Outcome: string(v.State), Detail: r.URL.Path})
		},
	}}
	if deps.Metrics != nil {
		g.hooks.Observer = deps.Metrics
	}

	// Primary surface credentials.
	r.Route("/api/v1/auth", func(ar chi.Router) {
		ar.Post("/login", authH.Login)
		ar.Post("/signup", authH.Signup)
		ar.Post("/logout", authH.Logout)
		ar.Post("/refresh", authH.Refresh)
		ar.Post("/recover", authH.Recover)
		ar.Group(func(cr chi.Router) {
			// Token guesses are limited per client; the body names no account.
			if deps.Limiter != nil {
				cr.Use(ratelimit.Middleware(deps.Limiter, ratelimit.ByClient("recover_confirm"),
					func(*http.Request) { events.rateLimited("recover_confirm") }))
			}
			cr.Post("/recover/confirm", authH.ConfirmRecovery)
		})
		ar.Post("/password", authH.UpdatePassword)
		ar.Get("/me", authH.Me)
		ar.Patch("/me", authH.UpdateMe)
	})

	// Platform-admin surface credentials.
	r.Route("/api/v1/admin-auth", func(ar chi.Router) {
		ar.Post("/login", adminH.Login)
		ar.Post("/logout", adminH.Logout)
		ar.Post("/refresh", adminH.Refresh)
		ar.Get("/me", adminH.Me)
	})

	// Live guard verdicts for mounted pages.
	r.Get("/api/v1/guards/{guard}/watch", g.Watch)

	// Any signed-in user, scoped to their school.
	r.Route("/api/v1/dashboard", func(dr chi.Router) {
		dr.Use(guard.Middleware("generic", g.generic, g.hooks))
		dr.Use(tenant.Middleware(g.tenantView))

		dr.Get("/", surfaces.Dashboard)
		dr.Get("/school", surfaces.MySchool)
		dr.Get("/members", surfaces.Classroom)
	})

	// Platform administrators.
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(guard.Middleware("admin", g.admin(false), g.hooks))

		ar.Get("/overview", surfaces.AdminOverview)
		ar.Post("/admins", adminH.CreateAdmin)

		ar.Route("/super", func(sr chi.Router) {
			sr.Use(guard.Middleware("super_admin", g.admin(true), g.hooks))

			sr.Post("/schools", surfaces.CreateSchool)
			sr.Put("/admins/{id}/active", surfaces.SetAdminActive)
			sr.Get("/audit", surfaces.AuditEvents)
		})
	})

	// School administrators of exactly the school in the path.
	r.Route("/api/v1/school-admin/{schoolCode}", func(sr chi.Router) {
		sr.Use(guard.Middleware("school_admin", g.schoolAdmin, g.hooks))

		sr.Get("/members", surfaces.SchoolMembers)
		sr.Put("/members/{userID}/role", surfaces.SetMemberRole)
	})

	return r
}

// guards builds per-request checkers over the caller's own contexts.
type guards struct {
	hub       *Hub
	resolver  guard.Resolver
	redirects guard.Redirects
	hooks     guard.Hooks
}

// signedOut is the session source of a caller without a client.
type signedOut struct{}

func (signedOut) GetSession(context.Context) (*identity.Session, error) { return nil, nil }

func (g guards) primary(r *http.Request) guard.SessionSource {
	if c, ok := g.hub.Lookup(r); ok {
		return c.PrimaryAuth
	}
	return signedOut{}
}

func (g guards) generic(r *http.Request) guard.Checker {
	return guard.Generic{Sessions: g.primary(r), Redirects: g.redirects}
}

// admin accepts the admin surface's credential first and falls back to the
// primary one, so an admin browsing the dashboard is recognized too.
func (g guards) admin(requireSuper bool) func(*http.Request) guard.Checker {
	return func(r *http.Request) guard.Checker {
		var sessions guard.Sessions
		if c, ok := g.hub.Lookup(r); ok {
			sessions = guard.Sessions{c.AdminAuth, c.PrimaryAuth}
		} else {
			sessions = guard.Sessions{signedOut{}}
		}
		return guard.Admin{Sessions: sessions, Lookup: g.resolver, RequireSuperAdmin: requireSuper, Redirects: g.redirects}
	}
}

func (g guards) schoolAdmin(r *http.Request) guard.Checker {
	return guard.SchoolAdmin{Sessions: g.primary(r), Lookup: g.resolver, Redirects: g.redirects}.
		ForSchool(chi.URLParam(r, "schoolCode"))
}

func (g guards) tenantView(r *http.Request) (tenant.View, error) {
	c, ok := g.hub.Lookup(r)
	if !ok {
		return tenant.View{}, nil
	}
	ctx, cancel := settle(r)
	defer cancel()
	st, err := c.Primary.Wait(ctx)
	if err != nil {
		return tenant.View{}, err
	}
	if !st.IsAuthenticated() {
		return st.TenantView(), nil
	}
	// The held profile and role are display data; scope and tier are read
	// again for every request.
	st, err = c.Primary.RefreshProfile(ctx)
	if errors.Is(err, identity.ErrNoSession) {
		return tenant.View{}, nil
	}
	if err != nil {
		return tenant.View{}, err
	}
	return st.TenantView(), nil
}

func healthHandler(pool Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
