// Package roles resolves the caller's privilege from server-evaluated lookups.
// Role claims supplied by the client are never consulted.
package roles

import "errors"

var (
	// ErrMalformedPayload is returned when a lookup response does not have the
	// expected shape. Callers must treat it as a denial.
	ErrMalformedPayload = errors.New("malformed role payload")
	// ErrForeignIdentity is returned when a lookup is parameterized with an
	// identity other than the caller's.
	ErrForeignIdentity = errors.New("identity does not match caller")
	// ErrRoleEscalationDenied is returned when a caller tries to grant more
	// privilege than they hold.
	ErrRoleEscalationDenied = errors.New("role escalation denied")
	// ErrTenantMismatch is returned when a school code does not exist or lies
	// outside the caller's tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrInvalidAdminRecord is returned for an admin record without a school
	// that is not a super admin or all-schools grant.
	ErrInvalidAdminRecord = errors.New("admin record without school must be super admin")
	// ErrInvalidRole is returned for an unknown assignment role.
	ErrInvalidRole = errors.New("invalid role")
)

// AppRole is the caller's privilege tier.
type AppRole string

const (
	Anonymous   AppRole = "anonymous"
	Student     AppRole = "student"
	Teacher     AppRole = "teacher"
	SchoolAdmin AppRole = "school_admin"
	SuperAdmin  AppRole = "super_admin"
)

var rank = map[AppRole]int{
	Anonymous:   0,
	Student:     1,
	Teacher:     2,
	SchoolAdmin: 3,
	SuperAdmin:  4,
}

// AtLeast reports whether r is the same tier as min or higher.
func (r AppRole) AtLeast(min AppRole) bool {
	return rank[r] >= rank[min]
}

// AssignmentRole is the role stored in a RoleAssignment.
type AssignmentRole string

const (
	RoleAdmin   AssignmentRole = "admin"
	RoleTeacher AssignmentRole = "teacher"
	RoleStudent AssignmentRole = "student"
)

// Valid reports whether r is a known assignment role.
func (r AssignmentRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

// RoleAssignment is the single source of truth for a user's role within one
// school. There is exactly one per (subject, school).
type RoleAssignment struct {
	Subject    string         `json:"user_id"`
	Role       AssignmentRole `json:"role"`
	SchoolCode string         `json:"school_code"`
}

// AdminRecord is a platform administrator. A nil SchoolCode means all
// schools.
type AdminRecord struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Name         string  `json:"name"`
	SchoolCode   *string `json:"school_code"`
	IsSuperAdmin bool    `json:"is_super_admin"`
	AllSchools   bool    `json:"all_schools"`
	IsActive     bool    `json:"is_active"`
}

// Validate checks the school code invariant.
func (a *AdminRecord) Validate() error {
	if a.SchoolCode == nil && !a.IsSuperAdmin && !a.AllSchools {
		return ErrInvalidAdminRecord
	}
	return nil
}

// Covers reports whether the record grants access to schoolCode.
func (a *AdminRecord) Covers(schoolCode string) bool {
	if a.SchoolCode == nil {
		return a.IsSuperAdmin || a.AllSchools
	}
	return *a.SchoolCode == schoolCode
}

// SchoolAdminProfile is the result of the school-admin lookup.
type SchoolAdminProfile struct {
	IsSchoolAdmin     bool    `json:"is_school_admin"`
	IsSuperAdmin      bool    `json:"is_super_admin"`
	SchoolCode        *string `json:"school_code"`
	CanManageTeachers bool    `json:"can_manage_teachers"`
	// Source is "grant" for a dedicated admin assignment and "admin_record"
	// when derived from an AdminRecord.
	Source string `json:"source"`
}

// Manages reports whether the profile administers schoolCode. A profile
// without a concrete school code manages no specific school.
func (p *SchoolAdminProfile) Manages(schoolCode string) bool {
	return p != nil && p.IsSchoolAdmin && p.SchoolCode != nil && *p.SchoolCode == schoolCode
}

// Resolve derives the caller's tier from the server-resolved records.
func Resolve(assignment *RoleAssignment, admin *AdminRecord) AppRole {
	if admin != nil && admin.IsActive && admin.Validate() == nil {
		if admin.IsSuperAdmin {
			return SuperAdmin
		}
		if admin.SchoolCode != nil {
			return SchoolAdmin
		}
	}
	if assignment == nil {
		return Anonymous
	}
	switch assignment.Role {
	case RoleAdmin:
		return SchoolAdmin
	case RoleTeacher:
		return Teacher
	case RoleStudent:
		return Student
	}
	return Anonymous
}

// PickAssignment returns the assignment for schoolCode. With no school code,
// a caller holding exactly one assignment gets that one.
func PickAssignment(rows []RoleAssignment, schoolCode string) *RoleAssignment {
	if schoolCode == "" {
		if len(rows) == 1 {
			a := rows[0]
			return &a
		}
		return nil
	}
	for _, r := range rows {
		if r.SchoolCode == schoolCode {
			a := r
			return &a
		}
	}
	return nil
}

// AuthorizeRoleChange checks that actor may set role for a member of
// schoolCode.
func AuthorizeRoleChange(actor *SchoolAdminProfile, schoolCode string, role AssignmentRole) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if actor == nil || !actor.IsSchoolAdmin {
		return ErrRoleEscalationDenied
	}
	if !actor.Manages(schoolCode) {
		return ErrTenantMismatch
	}
	switch role {
	case RoleAdmin:
		if !actor.IsSuperAdmin {
			return ErrRoleEscalationDenied
		}
	case RoleTeacher:
		if !actor.CanManageTeachers {
			return ErrRoleEscalationDenied
		}
	}
	return nil
}

// AuthorizeAdminCreation checks that actor may create target. Only a super
// admin may create another super admin, and a non-super admin may only create
// records for their own school.
func AuthorizeAdminCreation(actor *AdminRecord, target AdminRecord) error {
	if actor == nil || !actor.IsActive {
		return ErrRoleEscalationDenied
	}
	if err := target.Validate(); err != nil {
		if !actor.IsSuperAdmin {
			return ErrRoleEscalationDenied
		}
		return err
	}
	if actor.IsSuperAdmin {
		return nil
	}
	if target.IsSuperAdmin || target.AllSchools {
		return ErrRoleEscalationDenied
	}
	if actor.SchoolCode == nil || target.SchoolCode == nil || *actor.SchoolCode != *target.SchoolCode {
		return ErrTenantMismatch
	}
	return nil
}
