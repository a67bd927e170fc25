// Package audit records authentication and authorization events. Events are
// buffered in memory and written to the database in batches.
package audit

import "time"

// Kind names an audited event.
type Kind string

const (
	KindLogin          Kind = "login"
	KindLogout         Kind = "logout"
	KindSignup         Kind = "signup"
	KindPasswordReset  Kind = "password_reset"
	KindPasswordUpdate Kind = "password_update"
	KindGuardDenied    Kind = "guard_denied"
	KindAdminCreated   Kind = "admin_created"
	KindAdminRefused   Kind = "admin_creation_refused"
	KindRoleChanged    Kind = "role_changed"
	KindAdminUpdated   Kind = "admin_updated"
)

// Event is a single audit record.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Surface    string    `json:"surface"`
	Subject    string    `json:"subject,omitempty"`
	Email      string    `json:"email,omitempty"`
	SchoolCode string    `json:"school_code,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Query defines filters and pagination for listing events.
type Query struct {
	Subject    string    `json:"subject,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
	SchoolCode string    `json:"school_code,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Cursor     string    `json:"cursor,omitempty"`
	Limit      int       `json:"limit"`
}
