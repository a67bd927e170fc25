package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/schoolgate/internal/account"
	"github.com/alecgard/schoolgate/internal/audit"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/ratelimit"
	"github.com/alecgard/schoolgate/internal/roles"
)

// settleTimeout bounds how long a handler waits for an auth context to
// finish resolving.
const settleTimeout = 10 * time.Second

// ProfileUpdater applies the caller's own profile edits.
type ProfileUpdater interface {
	Update(ctx context.Context, caller identity.Identity, in profile.UpdateProfileInput) (*profile.Profile, error)
}

// authHandler groups the primary surface's authentication handlers.
type authHandler struct {
	hub      *Hub
	limiter  *ratelimit.Limiter
	profiles ProfileUpdater
	events   auditor
}

func newAuthHandler(hub *Hub, limiter *ratelimit.Limiter, profiles ProfileUpdater, events auditor) *authHandler {
	return &authHandler{hub: hub, limiter: limiter, profiles: profiles, events: events}
}

// meResponse is the caller's view of the primary context.
type meResponse struct {
	Authenticated bool                  `json:"authenticated"`
	Subject       string                `json:"subject,omitempty"`
	Email         string                `json:"email,omitempty"`
	ExpiresAt     *time.Time            `json:"expires_at,omitempty"`
	Profile       *profile.Profile      `json:"profile"`
	Assignment    *roles.RoleAssignment `json:"assignment"`
	AppRole       roles.AppRole         `json:"app_role"`
	SchoolCode    string                `json:"school_code,omitempty"`
	Scoped        bool                  `json:"scoped"`
}

func meFrom(st account.State) meResponse {
	v := st.TenantView()
	resp := meResponse{
		Authenticated: st.IsAuthenticated(),
		Profile:       st.Profile,
		Assignment:    st.Assignment,
		AppRole:       st.AppRole,
		SchoolCode:    v.SchoolCode,
		Scoped:        v.Scoped,
	}
	if st.Session != nil {
		resp.Subject = st.Session.Identity.Subject
		resp.Email = st.Session.Identity.Email
		exp := st.Session.Identity.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// readCredentials decodes and checks a login body, writing the error
// response itself.
func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var req credentials
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return req, false
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return req, false
	}
	return req, true
}

// throttle consumes one attempt for key. It writes the 429 and returns false
// when the caller is over the limit.
func throttle(w http.ResponseWriter, limiter *ratelimit.Limiter, events auditor, surface, key string) bool {
	if limiter == nil {
		return true
	}
	ok, wait := limiter.Allow(key)
	if !ok {
		events.rateLimited(surface)
		ratelimit.Reject(w, wait)
		return false
	}
	return true
}

func settle(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), settleTimeout)
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := readCredentials(w, r)
	if !ok {
		return
	}
	key := ratelimit.Key("primary", ratelimit.ClientAddr(r), req.Email)
	if !throttle(w, h.limiter, h.events, "primary", key) {
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	c := h.hub.Get(w, r)
	res := c.Primary.Login(ctx, req.Email, req.Password)
	if !res.Success {
		h.events.attempt(r, audit.Event{Kind: audit.KindLogin, Surface: "primary", Email: req.Email, Outcome: string(res.Kind)})
		writeResult(w, res)
		return
	}
	if h.limiter != nil {
		h.limiter.Reset(key)
	}

	st, err := c.Primary.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	me := meFrom(st)
	h.events.attempt(r, audit.Event{Kind: audit.KindLogin, Surface: "primary", Subject: me.Subject, Email: req.Email, SchoolCode: me.SchoolCode})
	writeJSON(w, http.StatusOK, me)
}

// Signup handles POST /api/v1/auth/signup.
func (h *authHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req account.SignupInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	key := ratelimit.Key("signup", ratelimit.ClientAddr(r), "")
	if !throttle(w, h.limiter, h.events, "signup", key) {
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	c := h.hub.Get(w, r)
	res := c.Primary.Signup(ctx, req)
	ev := audit.Event{Kind: audit.KindSignup, Surface: "primary", Email: req.Email, SchoolCode: req.SchoolCode, Detail: req.Role}
	if !res.Success {
		ev.Outcome = string(res.Kind)
		h.events.attempt(r, ev)
		writeResult(w, res)
		return
	}
	h.events.attempt(r, ev)

	if res.ConfirmationRequired {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"confirmation_required": true})
		return
	}
	st, err := c.Primary.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	writeJSON(w, http.StatusCreated, meFrom(st))
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	subject := c.Primary.State().Session.Subject()
	res := c.Primary.Logout(r.Context())
	ev := audit.Event{Kind: audit.KindLogout, Surface: "primary", Subject: subject}
	if !res.Success {
		ev.Outcome = string(res.Kind)
	}
	h.events.record(r, ev)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		writeJSON(w, http.StatusOK, meFrom(account.State{AppRole: roles.Anonymous}))
		return
	}
	ctx, cancel := settle(r)
	defer cancel()

	st, err := c.Primary.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	writeJSON(w, http.StatusOK, meFrom(st))
}

// UpdateMe handles PATCH /api/v1/auth/me.
func (h *authHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var in profile.UpdateProfileInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	c, st, ok := h.signedIn(w, r)
	if !ok {
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	if _, err := h.profiles.Update(ctx, st.Session.Identity, in); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update profile")
		return
	}
	st, err := c.Primary.RefreshProfile(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(account.KindUnavailable), account.KindUnavailable.Message())
		return
	}
	writeJSON(w, http.StatusOK, meFrom(st))
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *authHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.signedIn(w, r)
	if !ok {
		return
	}
	if res := c.Primary.RefreshSession(r.Context()); !res.Success {
		writeResult(w, res)
		return
	}
	ctx, cancel := settle(r)
	defer cancel()
	st, _ := c.Primary.Wait(ctx)
	writeJSON(w, http.StatusOK, meFrom(st))
}

// Recover handles POST /api/v1/auth/recover. It always answers 202 so the
// endpoint does not reveal which addresses are registered.
func (h *authHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return
	}
	key := ratelimit.Key("recover", ratelimit.ClientAddr(r), req.Email)
	if !throttle(w, h.limiter, h.events, "recover", key) {
		return
	}

	c := h.hub.Get(w, r)
	res := c.Primary.ResetPassword(r.Context(), req.Email)
	ev := audit.Event{Kind: audit.KindPasswordReset, Surface: "primary", Email: req.Email}
	if !res.Success {
		ev.Outcome = string(res.Kind)
	}
	h.events.record(r, ev)
	w.WriteHeader(http.StatusAccepted)
}

// ConfirmRecovery handles POST /api/v1/auth/recover/confirm: the recovery
// token is exchanged for a session and the new password is set with it.
func (h *authHandler) ConfirmRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil || req.Token == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "token and password are required")
		return
	}
	if len(req.Password) < identity.MinPasswordLength {
		writeResult(w, account.Failed(account.KindWeakPassword))
		return
	}

	ctx, cancel := settle(r)
	defer cancel()

	c := h.hub.Get(w, r)
	if _, err := c.PrimaryAuth.ExchangeRecoveryToken(ctx, req.Token); err != nil {
		writeResult(w, account.FailedWith(err))
		return
	}
	h.finishPasswordUpdate(w, r, c, req.Password)
}

// UpdatePassword handles POST /api/v1/auth/password.
func (h *authHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "password is required")
		return
	}
	c, _, ok := h.signedIn(w, r)
	if !ok {
		return
	}
	h.finishPasswordUpdate(w, r, c, req.Password)
}

func (h *authHandler) finishPasswordUpdate(w http.ResponseWriter, r *http.Request, c *Client, password string) {
	ctx, cancel := settle(r)
	defer cancel()

	res := c.Primary.UpdatePassword(ctx, password)
	st, _ := c.Primary.Wait(ctx)
	ev := audit.Event{Kind: audit.KindPasswordUpdate, Surface: "primary", Subject: st.Session.Subject()}
	if !res.Success {
		ev.Outcome = string(res.Kind)
		h.events.record(r, ev)
		writeResult(w, res)
		return
	}
	h.events.record(r, ev)
	w.WriteHeader(http.StatusNoContent)
}

// signedIn returns the caller's client and settled state, or writes 401.
func (h *authHandler) signedIn(w http.ResponseWriter, r *http.Request) (*Client, account.State, bool) {
	c, ok := h.hub.Lookup(r)
	if !ok {
		writeResult(w, account.Failed(account.KindNoSession))
		return nil, account.State{}, false
	}
	ctx, cancel := settle(r)
	defer cancel()
	st, err := c.Primary.Wait(ctx)
	if err != nil || !st.IsAuthenticated() {
		writeResult(w, account.Failed(account.KindNoSession))
		return nil, account.State{}, false
	}
	return c, st, true
}
