package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// Observer is notified of every verdict rendered over HTTP.
type Observer interface {
	ObserveGuardVerdict(guard string, state string)
}

// Hooks are optional callbacks of the HTTP middleware.
type Hooks struct {
	Observer Observer
	// OnDenied is called for every denial, after the response is written.
	OnDenied func(r *http.Request, guard string, v Verdict)
}

type verdictKey struct{}

// FromContext returns the verdict that admitted the request.
func FromContext(ctx context.Context) (Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(Verdict)
	return v, ok
}

type deniedBody struct {
	Error    deniedError `json:"error"`
	State    State       `json:"state"`
	Redirect string      `json:"redirect,omitempty"`
}

type deniedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Middleware runs the checker built for each request. An unauthenticated
// browser is redirected; an authenticated but unauthorized caller gets an
// explicit access denied response naming a safe place to go.
func Middleware(name string, build func(r *http.Request) Checker, hooks Hooks) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := build(r).Check(r.Context())
			if hooks.Observer != nil {
				hooks.Observer.ObserveGuardVerdict(name, string(v.State))
			}

			if v.State == Allowed {
				ctx := context.WithValue(r.Context(), verdictKey{}, v)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			writeDenied(w, r, v)
			if hooks.OnDenied != nil {
				hooks.OnDenied(r, name, v)
			}
		})
	}
}

// Static returns a build function that always uses c.
func Static(c Checker) func(*http.Request) Checker {
	return func(*http.Request) Checker { return c }
}

func writeDenied(w http.ResponseWriter, r *http.Request, v Verdict) {
	if v.State == DeniedUnauthenticated {
		if wantsHTML(r) && v.Redirect != "" {
			http.Redirect(w, r, v.Redirect, http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusUnauthorized, deniedBody{
			Error:    deniedError{Code: "unauthenticated", Message: v.Reason},
			State:    v.State,
			Redirect: v.Redirect,
		})
		return
	}

	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprintf(w,
			"<!doctype html><title>Access Denied</title><h1>Access Denied</h1><p>%s</p><p><a href=\"%s\">Continue</a></p>\n",
			html.EscapeString(v.Reason), html.EscapeString(v.Redirect))
		return
	}
	writeJSON(w, http.StatusForbidden, deniedBody{
		Error:    deniedError{Code: "access_denied", Message: v.Reason},
		State:    v.State,
		Redirect: v.Redirect,
	})
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
