package profile

import "time"

// BaseRole is the role a user chose at sign-up. It is display data only and
// never used for authorization.
type BaseRole string

const (
	BaseRoleTeacher BaseRole = "teacher"
	BaseRoleStudent BaseRole = "student"
)

// Valid reports whether r is a role a user may pick for themselves.
func (r BaseRole) Valid() bool {
	return r == BaseRoleTeacher || r == BaseRoleStudent
}

// Profile is the per-tenant user record.
type Profile struct {
	ID          string    `json:"id"`
	Subject     string    `json:"identity_subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	BaseRole    BaseRole  `json:"base_role"`
	SchoolCode  string    `json:"school_code"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateProfileInput holds optional fields for a partial profile update.
type UpdateProfileInput struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarRef   *string `json:"avatar_ref,omitempty"`
}

// School is a tenant.
type School struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	ContactInfo string    `json:"contact_info"`
	CreatedAt   time.Time `json:"created_at"`
}
