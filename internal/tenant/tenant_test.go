package tenant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/roles"
)

func TestScopePrecedence(t *testing.T) {
	p := &profile.Profile{SchoolCode: "P"}
	a := &roles.RoleAssignment{SchoolCode: "A"}

	tests := []struct {
		name   string
		p      *profile.Profile
		a      *roles.RoleAssignment
		want   string
		wantOK bool
	}{
		{"assignment wins", p, a, "A", true},
		{"profile when no assignment", p, nil, "P", true},
		{"profile when assignment has no school", p, &roles.RoleAssignment{}, "P", true},
		{"nothing", nil, nil, "", false},
		{"empty profile", &profile.Profile{}, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Scope(tt.p, tt.a)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Scope = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	if _, err := RequireScope(context.Background()); !errors.Is(err, ErrUnscoped) {
		t.Errorf("empty context: expected ErrUnscoped, got %v", err)
	}

	unauth := WithView(context.Background(), View{SchoolCode: "A", Scoped: true})
	if _, err := RequireScope(unauth); !errors.Is(err, ErrUnscoped) {
		t.Errorf("unauthenticated view: expected ErrUnscoped, got %v", err)
	}

	ctx := WithView(context.Background(), NewView(true, &profile.Profile{SchoolCode: "A"}, nil, roles.Teacher))
	code, err := RequireScope(ctx)
	if err != nil || code != "A" {
		t.Errorf("RequireScope = (%q, %v)", code, err)
	}
}

func TestAuthorize(t *testing.T) {
	ctx := WithView(context.Background(), NewView(true, nil, &roles.RoleAssignment{SchoolCode: "A"}, roles.SchoolAdmin))
	if err := Authorize(ctx, "A"); err != nil {
		t.Errorf("own school: %v", err)
	}
	if err := Authorize(ctx, "B"); !errors.Is(err, roles.ErrTenantMismatch) {
		t.Errorf("other school: expected ErrTenantMismatch, got %v", err)
	}
}

func TestMiddlewareRefusesUnscoped(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if code, _ := RequireScope(r.Context()); code != "A" {
			t.Errorf("handler saw school %q", code)
		}
	})

	scoped := Middleware(func(*http.Request) (View, error) {
		return NewView(true, &profile.Profile{SchoolCode: "A"}, nil, roles.Student), nil
	})(next)
	rec := httptest.NewRecorder()
	scoped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("scoped request: status %d, called %v", rec.Code, called)
	}

	called = false
	unscoped := Middleware(func(*http.Request) (View, error) {
		return NewView(true, &profile.Profile{}, nil, roles.Student), nil
	})(next)
	rec = httptest.NewRecorder()
	unscoped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden || called {
		t.Errorf("unscoped request: status %d, called %v", rec.Code, called)
	}
}
