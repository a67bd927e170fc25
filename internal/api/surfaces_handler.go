package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/guard"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/roles"
	"github.com/alecgard/schoolgate/internal/tenant"
)

// SchoolDirectory reads and creates schools.
type SchoolDirectory interface {
	Get(ctx context.Context, code string) (*profile.School, error)
	List(ctx context.Context) ([]*profile.School, error)
	Create(ctx context.Context, in profile.School) (*profile.School, error)
}

// Members lists the profiles of one school.
type Members interface {
	ListBySchool(ctx context.Context, schoolCode string) ([]*profile.Profile, error)
}

// RoleWriter persists role assignment and admin status changes.
type RoleWriter interface {
	UpsertAssignment(ctx context.Context, a roles.RoleAssignment) error
	SetAdminActive(ctx context.Context, id string, active bool) error
}

// AuditLog lists recorded audit events.
type AuditLog interface {
	List(ctx context.Context, q audit.Query) ([]*audit.Event, string, error)
}

// surfacesHandler serves the guarded dashboard, school-admin and admin
// surfaces. Guards run in middleware; handlers still scope every read.
type surfacesHandler struct {
	hub      *Hub
	schools  SchoolDirectory
	members  Members
	writer   RoleWriter
	resolver guard.SchoolAdminLookup
	auditLog AuditLog
	events   auditor
}

// Dashboard handles GET /api/v1/dashboard.
func (h *surfacesHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	v := tenant.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_role":    v.AppRole,
		"school_code": v.SchoolCode,
		"profile":     v.Profile,
	})
}

// MySchool handles GET /api/v1/dashboard/school.
func (h *surfacesHandler) MySchool(w http.ResponseWriter, r *http.Request) {
	code, err := tenant.RequireScope(r.Context())
	if err != nil {
		writeError(w, http.StatusForbidden, "tenant_unscoped", "no school is associated with this account")
		return
	}
	sc, err := h.schools.Get(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load school")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "not_found", "school not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// Classroom handles GET /api/v1/dashboard/members. Teachers and above see
// the members of their own school only.
func (h *surfacesHandler) Classroom(w http.ResponseWriter, r *http.Request) {
	code, err := tenant.RequireScope(r.Context())
	if err != nil {
		writeError(w, http.StatusForbidden, "tenant_unscoped", "no school is associated with this account")
		return
	}
	if !tenant.FromContext(r.Context()).AppRole.AtLeast(roles.Teacher) {
		writeError(w, http.StatusForbidden, "access_denied", "This page is only available to teachers.")
		return
	}
	if asked := r.URL.Query().Get("school_code"); asked != "" {
		if err := tenant.Authorize(r.Context(), asked); err != nil {
			writeError(w, http.StatusForbidden, "tenant_mismatch", "You can only act within your own school.")
			return
		}
	}
	h.listMembers(w, r, code)
}

// SchoolMembers handles GET /api/v1/school-admin/{schoolCode}/members.
func (h *surfacesHandler) SchoolMembers(w http.ResponseWriter, r *http.Request) {
	v, _ := guard.FromContext(r.Context())
	h.listMembers(w, r, v.SchoolCode)
}

func (h *surfacesHandler) listMembers(w http.ResponseWriter, r *http.Request, code string) {
	list, err := h.members.ListBySchool(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list members")
		return
	}
	if list == nil {
		list = []*profile.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"school_code": code, "members": list})
}

// SetMemberRole handles PUT /api/v1/school-admin/{schoolCode}/members/{userID}/role.
// The caller's standing is looked up again here, never taken from the guard.
func (h *surfacesHandler) SetMemberRole(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "schoolCode")
	target := chi.URLParam(r, "userID")

	var req struct {
		Role roles.AssignmentRole `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	caller, ok := h.primaryIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Please sign in to continue.")
		return
	}
	actor, err := h.resolver.MySchoolAdminProfile(r.Context(), caller, caller.Subject, code)
	if err != nil {
		slog.Error("school admin lookup failed", "subject", caller.Subject, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "could not verify your administrator status")
		return
	}

	ev := audit.Event{Kind: audit.KindRoleChanged, Surface: "school_admin", Subject: caller.Subject,
		SchoolCode: code, Detail: target + "=" + string(req.Role)}

	if err := roles.AuthorizeRoleChange(actor, code, req.Role); err != nil {
		ev.Outcome = "denied"
		h.events.record(r, ev)
		switch {
		case errors.Is(err, roles.ErrInvalidRole):
			writeError(w, http.StatusUnprocessableEntity, "invalid_role", "role must be admin, teacher or student")
		case errors.Is(err, roles.ErrTenantMismatch):
			writeError(w, http.StatusForbidden, "tenant_mismatch", "You can only act within your own school.")
		default:
			writeError(w, http.StatusForbidden, "role_escalation_denied", "You are not allowed to grant this role.")
		}
		return
	}

	if !h.isMember(r.Context(), code, target) {
		writeError(w, http.StatusNotFound, "not_found", "member not found in this school")
		return
	}
	if err := h.writer.UpsertAssignment(r.Context(), roles.RoleAssignment{Subject: target, Role: req.Role, SchoolCode: code}); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update role")
		return
	}
	h.events.record(r, ev)
	writeJSON(w, http.StatusOK, roles.RoleAssignment{Subject: target, Role: req.Role, SchoolCode: code})
}

func (h *surfacesHandler) isMember(ctx context.Context, code, subject string) bool {
	list, err := h.members.ListBySchool(ctx, code)
	if err != nil {
		return false
	}
	for _, p := range list {
		if p.Subject == subject {
			return true
		}
	}
	return false
}

func (h *surfacesHandler) primaryIdentity(r *http.Request) (identity.Identity, bool) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		return identity.Identity{}, false
	}
	s, err := c.PrimaryAuth.GetSession(r.Context())
	if err != nil || !s.IsAuthenticated() {
		return identity.Identity{}, false
	}
	return s.Identity, true
}

// AdminOverview handles GET /api/v1/admin/overview. A school-bound admin
// sees only their own school.
func (h *surfacesHandler) AdminOverview(w http.ResponseWriter, r *http.Request) {
	v, _ := guard.FromContext(r.Context())
	if v.SchoolCode != "" {
		sc, err := h.schools.Get(r.Context(), v.SchoolCode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load school")
			return
		}
		list := []*profile.School{}
		if sc != nil {
			list = append(list, sc)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"schools": list})
		return
	}

	list, err := h.schools.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list schools")
		return
	}
	if list == nil {
		list = []*profile.School{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schools": list})
}

// CreateSchool handles POST /api/v1/admin/super/schools.
func (h *surfacesHandler) CreateSchool(w http.ResponseWriter, r *http.Request) {
	var in profile.School
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || in.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "code and name are required")
		return
	}
	sc, err := h.schools.Create(r.Context(), in)
	if err != nil {
		if errors.Is(err, profile.ErrSchoolExists) {
			writeError(w, http.StatusConflict, "conflict", "school code already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create school")
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// SetAdminActive handles PUT /api/v1/admin/super/admins/{id}/active.
func (h *surfacesHandler) SetAdminActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Active *bool `json:"active"`
	}
	if err := readJSON(r, &req); err != nil || req.Active == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "active is required")
		return
	}
	if err := h.writer.SetAdminActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update admin")
		return
	}
	v, _ := guard.FromContext(r.Context())
	h.events.record(r, audit.Event{Kind: audit.KindAdminUpdated, Surface: "admin", Subject: v.Subject,
		Detail: id + " active=" + strconv.FormatBool(*req.Active)})
	w.WriteHeader(http.StatusNoContent)
}

// AuditEvents handles GET /api/v1/admin/super/audit.
func (h *surfacesHandler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "audit log is not configured")
		return
	}
	q := r.URL.Query()
	query := audit.Query{
		Subject:    q.Get("subject"),
		Kind:       audit.Kind(q.Get("kind")),
		SchoolCode: q.Get("school_code"),
		Cursor:     q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "limit must be an integer")
			return
		}
		query.Limit = n
	}
	for name, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_param", name+" must be RFC 3339")
				return
			}
			*dst = t
		}
	}

	events, next, err := h.auditLog.List(r.Context(), query)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_param", "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "next_cursor": next})
}
