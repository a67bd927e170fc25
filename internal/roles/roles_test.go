package roles

import (
	"errors"
	"testing"
)

func strp(s string) *string { return &s }

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		assignment *RoleAssignment
		admin      *AdminRecord
		want       AppRole
	}{
		{"nothing", nil, nil, Anonymous},
		{"student", &RoleAssignment{Role: RoleStudent, SchoolCode: "A"}, nil, Student},
		{"teacher", &RoleAssignment{Role: RoleTeacher, SchoolCode: "A"}, nil, Teacher},
		{"admin assignment", &RoleAssignment{Role: RoleAdmin, SchoolCode: "A"}, nil, SchoolAdmin},
		{"super admin", nil, &AdminRecord{IsSuperAdmin: true, IsActive: true}, SuperAdmin},
		{"school admin record", nil, &AdminRecord{SchoolCode: strp("A"), IsActive: true}, SchoolAdmin},
		{"inactive admin falls back to assignment", &RoleAssignment{Role: RoleTeacher}, &AdminRecord{IsSuperAdmin: true}, Teacher},
		{"all-schools without super is not a tier", nil, &AdminRecord{AllSchools: true, IsActive: true}, Anonymous},
		{"invalid record ignored", nil, &AdminRecord{IsActive: true}, Anonymous},
		{"unknown role", &RoleAssignment{Role: "owner"}, nil, Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.assignment, tt.admin); got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppRoleAtLeast(t *testing.T) {
	if !SuperAdmin.AtLeast(SchoolAdmin) {
		t.Error("super admin should outrank school admin")
	}
	if Teacher.AtLeast(SchoolAdmin) {
		t.Error("teacher should not reach school admin")
	}
	if !Student.AtLeast(Student) {
		t.Error("a tier is at least itself")
	}
	if AppRole("bogus").AtLeast(Student) {
		t.Error("unknown tier should rank lowest")
	}
}

func TestAdminRecordValidate(t *testing.T) {
	if err := (&AdminRecord{}).Validate(); !errors.Is(err, ErrInvalidAdminRecord) {
		t.Errorf("expected ErrInvalidAdminRecord, got %v", err)
	}
	for _, rec := range []AdminRecord{
		{IsSuperAdmin: true},
		{AllSchools: true},
		{SchoolCode: strp("A")},
	} {
		if err := rec.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v", rec, err)
		}
	}
}

func TestAdminRecordCovers(t *testing.T) {
	scoped := &AdminRecord{SchoolCode: strp("A")}
	if !scoped.Covers("A") || scoped.Covers("B") {
		t.Error("scoped record should cover only its school")
	}
	super := &AdminRecord{IsSuperAdmin: true}
	if !super.Covers("A") || !super.Covers("B") {
		t.Error("super admin should cover every school")
	}
}

func TestSchoolAdminProfileManages(t *testing.T) {
	var nilProfile *SchoolAdminProfile
	if nilProfile.Manages("A") {
		t.Error("nil profile manages nothing")
	}
	p := &SchoolAdminProfile{IsSchoolAdmin: true, SchoolCode: strp("A")}
	if !p.Manages("A") || p.Manages("B") {
		t.Error("profile should manage only its school")
	}
	unscoped := &SchoolAdminProfile{IsSchoolAdmin: true, IsSuperAdmin: true}
	if unscoped.Manages("A") {
		t.Error("profile without school code manages no specific school")
	}
}

func TestPickAssignment(t *testing.T) {
	rows := []RoleAssignment{
		{Subject: "u", Role: RoleTeacher, SchoolCode: "A"},
		{Subject: "u", Role: RoleStudent, SchoolCode: "B"},
	}
	if got := PickAssignment(rows, "B"); got == nil || got.Role != RoleStudent {
		t.Errorf("PickAssignment(B) = %+v", got)
	}
	if got := PickAssignment(rows, "C"); got != nil {
		t.Errorf("PickAssignment(C) = %+v, want nil", got)
	}
	if got := PickAssignment(rows, ""); got != nil {
		t.Error("ambiguous pick without school code should be nil")
	}
	if got := PickAssignment(rows[:1], ""); got == nil || got.SchoolCode != "A" {
		t.Errorf("single assignment pick = %+v", got)
	}
}

func TestAuthorizeRoleChange(t *testing.T) {
	admin := &SchoolAdminProfile{IsSchoolAdmin: true, SchoolCode: strp("A"), CanManageTeachers: true}
	super := &SchoolAdminProfile{IsSchoolAdmin: true, IsSuperAdmin: true, SchoolCode: strp("A"), CanManageTeachers: true}
	noTeachers := &SchoolAdminProfile{IsSchoolAdmin: true, SchoolCode: strp("A")}

	tests := []struct {
		name   string
		actor  *SchoolAdminProfile
		school string
		role   AssignmentRole
		want   error
	}{
		{"teacher in own school", admin, "A", RoleTeacher, nil},
		{"student in own school", noTeachers, "A", RoleStudent, nil},
		{"other school", admin, "B", RoleTeacher, ErrTenantMismatch},
		{"grant admin without super", admin, "A", RoleAdmin, ErrRoleEscalationDenied},
		{"grant admin as super", super, "A", RoleAdmin, nil},
		{"teacher without permission", noTeachers, "A", RoleTeacher, ErrRoleEscalationDenied},
		{"no actor", nil, "A", RoleStudent, ErrRoleEscalationDenied},
		{"invalid role", admin, "A", "owner", ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := AuthorizeRoleChange(tt.actor, tt.school, tt.role); !errors.Is(err, tt.want) {
				t.Errorf("AuthorizeRoleChange = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthorizeAdminCreation(t *testing.T) {
	super := &AdminRecord{IsSuperAdmin: true, IsActive: true}
	schoolA := &AdminRecord{SchoolCode: strp("A"), IsActive: true}
	inactive := &AdminRecord{IsSuperAdmin: true}

	tests := []struct {
		name   string
		actor  *AdminRecord
		target AdminRecord
		want   error
	}{
		{"super creates super", super, AdminRecord{IsSuperAdmin: true}, nil},
		{"super creates scoped", super, AdminRecord{SchoolCode: strp("B")}, nil},
		{"scoped creates same school", schoolA, AdminRecord{SchoolCode: strp("A")}, nil},
		{"scoped creates super", schoolA, AdminRecord{IsSuperAdmin: true}, ErrRoleEscalationDenied},
		{"scoped creates all-schools", schoolA, AdminRecord{AllSchools: true}, ErrRoleEscalationDenied},
		{"scoped creates other school", schoolA, AdminRecord{SchoolCode: strp("B")}, ErrTenantMismatch},
		{"scoped creates invalid", schoolA, AdminRecord{}, ErrRoleEscalationDenied},
		{"super creates invalid", super, AdminRecord{}, ErrInvalidAdminRecord},
		{"inactive actor", inactive, AdminRecord{SchoolCode: strp("A")}, ErrRoleEscalationDenied},
		{"no actor", nil, AdminRecord{SchoolCode: strp("A")}, ErrRoleEscalationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := AuthorizeAdminCreation(tt.actor, tt.target); !errors.Is(err, tt.want) {
				t.Errorf("AuthorizeAdminCreation = %v, want %v", err, tt.want)
			}
		})
	}
}
