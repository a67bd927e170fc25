package tenant

import (
	"encoding/json"
	"net/http"
)

// Resolver produces the View for a request. It is called once per request.
type Resolver func(r *http.Request) (View, error)

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Middleware stores the resolved View in the request context and refuses the
// request when it carries no school code.
func Middleware(resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, err := resolve(r)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "tenant_unavailable", "could not resolve school")
				return
			}
			ctx := WithView(r.Context(), v)
			if _, err := RequireScope(ctx); err != nil {
				writeError(w, http.StatusForbidden, "tenant_unscoped", "no school is associated with this account")
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorDetail{Code: code, Message: message}})
}
