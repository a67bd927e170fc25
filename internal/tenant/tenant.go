// Package tenant derives the active school code and hands it to data access
// code. A missing school code means no tenant-scoped query may run.
package tenant

import (
	"context"
	"errors"

	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/roles"
)

// ErrUnscoped is returned when tenant-scoped work is attempted without a
// school code.
var ErrUnscoped = errors.New("no school code in scope")

// Scope returns the school code data access must be restricted to. The role
// assignment wins over the profile. ok is false when neither names a school.
func Scope(p *profile.Profile, a *roles.RoleAssignment) (string, bool) {
	if a != nil && a.SchoolCode != "" {
		return a.SchoolCode, true
	}
	if p != nil && p.SchoolCode != "" {
		return p.SchoolCode, true
	}
	return "", false
}

// View is the read-only identity summary exposed to data access code.
type View struct {
	SchoolCode      string
	Scoped          bool
	AppRole         roles.AppRole
	IsAuthenticated bool
	Profile         *profile.Profile
}

// NewView builds a View from resolved account state.
func NewView(authenticated bool, p *profile.Profile, a *roles.RoleAssignment, role roles.AppRole) View {
	code, ok := Scope(p, a)
	return View{
		SchoolCode:      code,
		Scoped:          ok,
		AppRole:         role,
		IsAuthenticated: authenticated,
		Profile:         p,
	}
}

type contextKey struct{}

// WithView returns a copy of ctx carrying v.
func WithView(ctx context.Context, v View) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// FromContext returns the View in ctx. The zero View is unscoped and
// unauthenticated.
func FromContext(ctx context.Context) View {
	v, _ := ctx.Value(contextKey{}).(View)
	return v
}

// RequireScope returns the school code in ctx or ErrUnscoped.
func RequireScope(ctx context.Context) (string, error) {
	v := FromContext(ctx)
	if !v.IsAuthenticated || !v.Scoped || v.SchoolCode == "" {
		return "", ErrUnscoped
	}
	return v.SchoolCode, nil
}

// Authorize checks that schoolCode is the one in scope.
func Authorize(ctx context.Context, schoolCode string) error {
	code, err := RequireScope(ctx)
	if err != nil {
		return err
	}
	if code != schoolCode {
		return roles.ErrTenantMismatch
	}
	return nil
}
