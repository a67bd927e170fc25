// Package guard decides whether a protected page may render. Each check
// re-verifies against the credential store and the role lookups; verdicts are
// never cached between checks.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/roles"
)

// State is a guard's position in its check.
type State string

const (
	Checking               State = "checking"
	DeniedUnauthenticated  State = "denied-unauthenticated"
	DeniedWrongRole        State = "denied-wrong-role"
	DeniedInactive         State = "denied-inactive"
	DeniedInsufficientTier State = "denied-insufficient-tier"
	Allowed                State = "allowed"
)

// Denied reports whether s is a final denial.
func (s State) Denied() bool {
	return s != Checking && s != Allowed
}

// Verdict is the outcome of one check.
type Verdict struct {
	State    State  `json:"state"`
	Subject  string `json:"-"`
	Reason   string `json:"reason,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	// SchoolCode is the school the caller was admitted to, if any.
	SchoolCode string `json:"-"`
}

// Checker runs one guard check.
type Checker interface {
	Check(ctx context.Context) Verdict
}

// SessionSource returns the caller's current session after verifying it.
type SessionSource interface {
	GetSession(ctx context.Context) (*identity.Session, error)
}

// Sessions tries each source in order and returns the first authenticated
// session.
type Sessions []SessionSource

// GetSession implements SessionSource.
func (ss Sessions) GetSession(ctx context.Context) (*identity.Session, error) {
	var firstErr error
	for _, s := range ss {
		sess, err := s.GetSession(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if sess.IsAuthenticated() {
			return sess, nil
		}
	}
	return nil, firstErr
}

// AdminLookup returns the caller's own admin record.
type AdminLookup interface {
	MyAdminProfile(ctx context.Context, caller identity.Identity) (*roles.AdminRecord, error)
}

// SchoolAdminLookup returns the caller's own school-admin standing.
type SchoolAdminLookup interface {
	MySchoolAdminProfile(ctx context.Context, caller identity.Identity, subject, schoolCode string) (*roles.SchoolAdminProfile, error)
}

// Redirects are the safe landing pages for denied callers.
type Redirects struct {
	SignIn     string
	AdminLogin string
	Teacher    string
}

// DefaultRedirects are used when a guard has none configured.
var DefaultRedirects = Redirects{
	SignIn:     "/auth",
	AdminLogin: "/admin/login",
	Teacher:    "/teacher",
}

func (r Redirects) orDefault() Redirects {
	if r.SignIn == "" {
		r.SignIn = DefaultRedirects.SignIn
	}
	if r.AdminLogin == "" {
		r.AdminLogin = DefaultRedirects.AdminLogin
	}
	if r.Teacher == "" {
		r.Teacher = DefaultRedirects.Teacher
	}
	return r
}

func currentSession(ctx context.Context, src SessionSource) *identity.Session {
	s, err := src.GetSession(ctx)
	if err != nil {
		slog.Warn("guard session check failed", "error", err)
		return nil
	}
	if !s.IsAuthenticated() {
		return nil
	}
	return s
}

// Generic admits any authenticated primary session.
type Generic struct {
	Sessions  SessionSource
	Redirects Redirects
}

// Check implements Checker.
func (g Generic) Check(ctx context.Context) Verdict {
	r := g.Redirects.orDefault()
	s := currentSession(ctx, g.Sessions)
	if s == nil {
		return Verdict{State: DeniedUnauthenticated, Reason: "Please sign in to continue.", Redirect: r.SignIn}
	}
	return Verdict{State: Allowed, Subject: s.Identity.Subject}
}

// Admin admits callers holding an active admin record. It looks the record
// up itself so it also works for a primary session whose holder is an admin.
type Admin struct {
	Sessions          SessionSource
	Lookup            AdminLookup
	RequireSuperAdmin bool
	Redirects         Redirects
}

// Check implements Checker. The order of denials is fixed: no session, no
// record, inactive record, insufficient tier.
func (g Admin) Check(ctx context.Context) Verdict {
	r := g.Redirects.orDefault()
	s := currentSession(ctx, g.Sessions)
	if s == nil {
		return Verdict{State: DeniedUnauthenticated, Reason: "Please sign in as an administrator.", Redirect: r.AdminLogin}
	}
	subject := s.Identity.Subject

	rec, err := g.Lookup.MyAdminProfile(ctx, s.Identity)
	if err != nil {
		slog.Warn("admin guard lookup failed", "subject", subject, "error", err)
		return Verdict{State: DeniedWrongRole, Subject: subject,
			Reason: "Your administrator status could not be verified.", Redirect: r.AdminLogin}
	}
	if rec == nil {
		return Verdict{State: DeniedWrongRole, Subject: subject,
			Reason: "This page is only available to administrators.", Redirect: r.AdminLogin}
	}
	if !rec.IsActive {
		return Verdict{State: DeniedInactive, Subject: subject,
			Reason: "Your administrator account has been deactivated.", Redirect: r.AdminLogin}
	}
	if g.RequireSuperAdmin && !rec.IsSuperAdmin {
		return Verdict{State: DeniedInsufficientTier, Subject: subject,
			Reason: "This page requires super administrator access.", Redirect: r.AdminLogin}
	}

	v := Verdict{State: Allowed, Subject: subject}
	if rec.SchoolCode != nil {
		v.SchoolCode = *rec.SchoolCode
	}
	return v
}

// SchoolAdmin admits school administrators. With SchoolCode set, only an
// administrator of exactly that school is admitted; a profile without a
// concrete school code never satisfies a school-specific guard. Denied
// callers are sent to the teacher surface.
type SchoolAdmin struct {
	Sessions   SessionSource
	Lookup     SchoolAdminLookup
	SchoolCode string
	Redirects  Redirects
}

// ForSchool returns a copy of g restricted to code.
func (g SchoolAdmin) ForSchool(code string) SchoolAdmin {
	g.SchoolCode = code
	return g
}

// Check implements Checker.
func (g SchoolAdmin) Check(ctx context.Context) Verdict {
	r := g.Redirects.orDefault()
	s := currentSession(ctx, g.Sessions)
	if s == nil {
		return Verdict{State: DeniedUnauthenticated, Reason: "Please sign in to continue.", Redirect: r.SignIn}
	}
	subject := s.Identity.Subject

	p, err := g.Lookup.MySchoolAdminProfile(ctx, s.Identity, subject, g.SchoolCode)
	if err != nil {
		slog.Warn("school admin guard lookup failed", "subject", subject, "error", err)
		return Verdict{State: DeniedWrongRole, Subject: subject,
			Reason: "Your school administrator status could not be verified.", Redirect: r.Teacher}
	}
	if p == nil || !p.IsSchoolAdmin {
		return Verdict{State: DeniedWrongRole, Subject: subject,
			Reason: "This page is only available to school administrators.", Redirect: r.Teacher}
	}

	if g.SchoolCode != "" {
		if !p.Manages(g.SchoolCode) {
			return Verdict{State: DeniedWrongRole, Subject: subject,
				Reason: fmt.Sprintf("You are not an administrator of school %s.", g.SchoolCode), Redirect: r.Teacher}
		}
		return Verdict{State: Allowed, Subject: subject, SchoolCode: g.SchoolCode}
	}

	v := Verdict{State: Allowed, Subject: subject}
	if p.SchoolCode != nil {
		v.SchoolCode = *p.SchoolCode
	}
	return v
}
