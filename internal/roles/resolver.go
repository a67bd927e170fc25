package roles

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alecgard/schoolgate/internal/identity"
)

// Server-side procedures. Each one resolves the caller from the verified
// session, never from an argument.
const (
	ProcMyAdminProfile       = "get_my_admin_profile"
	ProcMySchoolAdminProfile = "get_my_school_admin_profile"
	ProcMyRole               = "get_my_role"
)

// Procedures invokes a server-side lookup as caller.
type Procedures interface {
	Call(ctx context.Context, caller identity.Identity, name string, args ...any) (json.RawMessage, error)
}

// Observer is notified of every lookup outcome.
type Observer interface {
	ObserveRoleLookup(procedure, outcome string)
}

// FallbackPolicy controls whether an AdminRecord stands in for a missing
// school-admin grant.
type FallbackPolicy string

const (
	// FallbackScoped honours an active AdminRecord that names a school.
	FallbackScoped FallbackPolicy = "scoped"
	// FallbackAny honours any active AdminRecord, including all-schools
	// records. Such a profile still manages no specific school.
	FallbackAny FallbackPolicy = "any"
	// FallbackNone requires a dedicated grant.
	FallbackNone FallbackPolicy = "none"
)

// ParseFallbackPolicy returns the policy named s, defaulting to scoped.
func ParseFallbackPolicy(s string) FallbackPolicy {
	switch FallbackPolicy(s) {
	case FallbackAny, FallbackNone:
		return FallbackPolicy(s)
	}
	return FallbackScoped
}

// Resolver answers "what may the caller do" using the server procedures.
// An absent row is reported as (nil, nil).
type Resolver struct {
	procs    Procedures
	fallback FallbackPolicy
	observer Observer
}

// NewResolver creates a Resolver.
func NewResolver(procs Procedures, fallback FallbackPolicy, observer Observer) *Resolver {
	return &Resolver{procs: procs, fallback: fallback, observer: observer}
}

// MyAdminProfile returns the caller's own AdminRecord.
func (r *Resolver) MyAdminProfile(ctx context.Context, caller identity.Identity) (*AdminRecord, error) {
	raw, err := r.procs.Call(ctx, caller, ProcMyAdminProfile)
	if err != nil {
		r.observe(ProcMyAdminProfile, "error")
		return nil, err
	}
	rec, err := decodeAdminRecord(raw, caller.Subject)
	r.observeResult(ProcMyAdminProfile, rec != nil, err)
	return rec, err
}

// MySchoolAdminProfile returns the caller's school-admin standing. subject
// must be the caller's own subject; the server verifies it again. A non-empty
// schoolCode names the school being guarded: a grant for that school is
// preferred, and the AdminRecord fallback is consulted whenever the grant
// does not manage it.
func (r *Resolver) MySchoolAdminProfile(ctx context.Context, caller identity.Identity, subject, schoolCode string) (*SchoolAdminProfile, error) {
	if subject != caller.Subject {
		r.observe(ProcMySchoolAdminProfile, "rejected")
		return nil, ErrForeignIdentity
	}

	raw, err := r.procs.Call(ctx, caller, ProcMySchoolAdminProfile, subject, schoolCode)
	if err != nil {
		r.observe(ProcMySchoolAdminProfile, "error")
		return nil, err
	}
	prof, err := decodeSchoolAdminProfile(raw, caller.Subject)
	r.observeResult(ProcMySchoolAdminProfile, prof != nil && prof.IsSchoolAdmin, err)
	if err != nil {
		return nil, err
	}
	granted := prof != nil && prof.IsSchoolAdmin
	if granted && (schoolCode == "" || prof.Manages(schoolCode)) {
		return prof, nil
	}

	fb, err := r.fallbackProfile(ctx, caller)
	if err != nil {
		return nil, err
	}
	if granted && !fb.Manages(schoolCode) {
		return prof, nil
	}
	return fb, nil
}

func (r *Resolver) fallbackProfile(ctx context.Context, caller identity.Identity) (*SchoolAdminProfile, error) {
	if r.fallback == FallbackNone {
		return nil, nil
	}

	rec, err := r.MyAdminProfile(ctx, caller)
	if err != nil || rec == nil || !rec.IsActive {
		return nil, err
	}
	if r.fallback == FallbackScoped && rec.SchoolCode == nil {
		slog.Debug("admin record without school not used as school-admin grant", "subject", caller.Subject)
		return nil, nil
	}

	return &SchoolAdminProfile{
		IsSchoolAdmin:     true,
		IsSuperAdmin:      rec.IsSuperAdmin,
		SchoolCode:        rec.SchoolCode,
		CanManageTeachers: true,
		Source:            "admin_record",
	}, nil
}

// MyRoleAssignments returns every RoleAssignment the caller holds.
func (r *Resolver) MyRoleAssignments(ctx context.Context, caller identity.Identity) ([]RoleAssignment, error) {
	raw, err := r.procs.Call(ctx, caller, ProcMyRole)
	if err != nil {
		r.observe(ProcMyRole, "error")
		return nil, err
	}
	out, err := decodeAssignments(raw, caller.Subject)
	r.observeResult(ProcMyRole, len(out) > 0, err)
	return out, err
}

// MyRoleAssignment returns the caller's assignment for schoolCode, or the
// only assignment when schoolCode is empty and the caller holds exactly one.
func (r *Resolver) MyRoleAssignment(ctx context.Context, caller identity.Identity, schoolCode string) (*RoleAssignment, error) {
	rows, err := r.MyRoleAssignments(ctx, caller)
	if err != nil {
		return nil, err
	}
	return PickAssignment(rows, schoolCode), nil
}

func (r *Resolver) observeResult(proc string, found bool, err error) {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		slog.Warn("role lookup returned malformed payload", "procedure", proc, "error", err)
		r.observe(proc, "malformed")
	case err != nil:
		r.observe(proc, "error")
	case found:
		r.observe(proc, "found")
	default:
		r.observe(proc, "absent")
	}
}

func (r *Resolver) observe(proc, outcome string) {
	if r.observer != nil {
		r.observer.ObserveRoleLookup(proc, outcome)
	}
}
