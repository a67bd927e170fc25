package api

import (
	"net/http"
	"time"

	"github.com/alecgard/schoolgate/internal/account"
	"github.com/alecgard/schoolgate/internal/adminauth"
	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/ratelimit"
	"github.com/alecgard/schoolgate/internal/roles"
)

// adminAuthHandler groups the platform-admin surface's handlers.
type adminAuthHandler struct {
	hub     *Hub
	limiter *ratelimit.Limiter
	events  auditor
}

func newAdminAuthHandler(hub *Hub, limiter *ratelimit.Limiter, events auditor) *adminAuthHandler {
	return &adminAuthHandler{hub: hub, limiter: limiter, events: events}
}

type adminMeResponse struct {
	Authenticated bool               `json:"authenticated"`
	Subject       string             `json:"subject,omitempty"`
	Email         string             `json:"email,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	Admin         *roles.AdminRecord `json:"admin"`
}

func adminMeFrom(st adminauth.State) adminMeResponse {
	resp := adminMeResponse{Authenticated: st.IsAuthenticated()}
	if !resp.Authenticated {
		return resp
	}
	resp.Subject = st.Session.Identity.Subject
	resp.Email = st.Session.Identity.Email
	exp := st.Session.Identity.ExpiresAt
	resp.ExpiresAt = &exp
	resp.Admin = st.Admin
	return resp
}

// Login handles POST /api/v1/admin-auth/login.
func (h *adminAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := readCredentials(w, r)
	if !ok {
		return
	}
	key := ratelimit.Key("admin", ratelimit.ClientAddr(r), req.Email)
	if !throttle(w, h.limiter, h.events, "admin", key) {
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	c := h.hub.Get(w, r)
	res := c.Admin.Login(ctx, req.Email, req.Password)
	if !res.Success {
		h.events.attempt(r, audit.Event{Kind: audit.KindLogin, Surface: "admin", Email: req.Email, Outcome: string(res.Kind)})
		writeResult(w, res)
		return
	}
	if h.limiter != nil {
		h.limiter.Reset(key)
	}

	st, err := c.Admin.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	me := adminMeFrom(st)
	ev := audit.Event{Kind: audit.KindLogin, Surface: "admin", Subject: me.Subject, Email: req.Email}
	if st.Admin != nil && st.Admin.SchoolCode != nil {
		ev.SchoolCode = *st.Admin.SchoolCode
	}
	h.events.attempt(r, ev)
	writeJSON(w, http.StatusOK, me)
}

// Logout handles POST /api/v1/admin-auth/logout.
func (h *adminAuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	subject := c.Admin.State().Session.Subject()
	res := c.Admin.Logout(r.Context())
	ev := audit.Event{Kind: audit.KindLogout, Surface: "admin", Subject: subject}
	if !res.Success {
		ev.Outcome = string(res.Kind)
	}
	h.events.record(r, ev)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/admin-auth/me.
func (h *adminAuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		writeJSON(w, http.StatusOK, adminMeResponse{})
		return
	}
	ctx, cancel := settle(r)
	defer cancel()

	st, err := c.Admin.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	writeJSON(w, http.StatusOK, adminMeFrom(st))
}

// Refresh handles POST /api/v1/admin-auth/refresh. The admin record is
// re-checked as well as the token; a deactivated admin is signed out.
func (h *adminAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		writeResult(w, account.Failed(account.KindNoSession))
		return
	}
	ctx, cancel := settle(r)
	defer cancel()

	if res := c.Admin.RefreshSession(ctx); !res.Success {
		writeResult(w, res)
		return
	}
	st, err := c.Admin.RefreshAdminProfile(ctx)
	if err != nil {
		writeResult(w, account.FailedWith(err))
		return
	}
	if !st.IsAuthenticated() {
		writeResult(w, account.Failed(account.KindNotAdmin))
		return
	}
	writeJSON(w, http.StatusOK, adminMeFrom(st))
}

// CreateAdmin handles POST /api/v1/admin/admins.
func (h *adminAuthHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var in adminauth.Input
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	c, ok := h.hub.Lookup(r)
	if !ok {
		writeResult(w, account.Failed(account.KindNoSession))
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	if _, err := c.Admin.Wait(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	caller := c.Admin.State().Session.Subject()
	rec, res := c.Admin.CreateAdmin(ctx, in)

	ev := audit.Event{Kind: audit.KindAdminCreated, Surface: "admin", Subject: caller, Email: in.Email}
	if in.SchoolCode != nil {
		ev.SchoolCode = *in.SchoolCode
	}
	if !res.Success {
		ev.Kind = audit.KindAdminRefused
		ev.Outcome = string(res.Kind)
		h.events.record(r, ev)
		writeResult(w, res)
		return
	}
	h.events.record(r, ev)
	writeJSON(w, http.StatusCreated, rec)
}
