package account

import (
	"errors"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/roles"
)

// ErrKind is a stable, user-displayable failure category.
type ErrKind string

const (
	KindInvalidCredentials  ErrKind = "invalid_credentials"
	KindEmailNotConfirmed   ErrKind = "email_not_confirmed"
	KindAlreadyRegistered   ErrKind = "already_registered"
	KindWeakPassword        ErrKind = "weak_password"
	KindInvalidEmail        ErrKind = "invalid_email"
	KindAdminSignupRejected ErrKind = "admin_signup_rejected"
	KindInvalidRole         ErrKind = "invalid_role"
	KindUnknownSchool       ErrKind = "unknown_school"
	KindNoSession           ErrKind = "no_session"
	KindNotAdmin            ErrKind = "not_admin"
	KindInactiveAdmin       ErrKind = "inactive_admin"
	KindEscalationDenied    ErrKind = "role_escalation_denied"
	KindTenantMismatch      ErrKind = "tenant_mismatch"
	KindUnavailable         ErrKind = "unavailable"
)

var messages = map[ErrKind]string{
	KindInvalidCredentials:  "Invalid email or password.",
	KindEmailNotConfirmed:   "Please confirm your email address before signing in.",
	KindAlreadyRegistered:   "An account with this email already exists.",
	KindWeakPassword:        "Password must be at least 8 characters.",
	KindInvalidEmail:        "Please enter a valid email address.",
	KindAdminSignupRejected: "Administrator accounts cannot be created through sign-up.",
	KindInvalidRole:         "Role must be teacher or student.",
	KindUnknownSchool:       "School code not found.",
	KindNoSession:           "You are not signed in.",
	KindNotAdmin:            "This account is not an administrator.",
	KindInactiveAdmin:       "This administrator account is deactivated.",
	KindEscalationDenied:    "You are not allowed to grant this role.",
	KindTenantMismatch:      "You can only act within your own school.",
	KindUnavailable:         "The service is temporarily unavailable. Please try again.",
}

// Message returns the display text for k.
func (k ErrKind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return messages[KindUnavailable]
}

// Result is the outcome of a credential operation. Failures are values, never
// panics, so every call site handles the failure path.
type Result struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Kind    ErrKind `json:"kind,omitempty"`
	// ConfirmationRequired is set on a successful sign-up that issued no
	// session because the email address must be confirmed first.
	ConfirmationRequired bool `json:"confirmation_required,omitempty"`
}

// Succeeded returns a successful Result.
func Succeeded() Result {
	return Result{Success: true}
}

// Failed returns a failed Result of kind k.
func Failed(k ErrKind) Result {
	return Result{Kind: k, Error: k.Message()}
}

// FailedWith maps err to a failed Result.
func FailedWith(err error) Result {
	return Failed(KindOf(err))
}

// KindOf maps a credential or authorization error to its stable kind.
func KindOf(err error) ErrKind {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, identity.ErrEmailNotConfirmed):
		return KindEmailNotConfirmed
	case errors.Is(err, identity.ErrAlreadyRegistered):
		return KindAlreadyRegistered
	case errors.Is(err, identity.ErrWeakPassword):
		return KindWeakPassword
	case errors.Is(err, identity.ErrInvalidEmail):
		return KindInvalidEmail
	case errors.Is(err, identity.ErrSignupRejected):
		return KindAdminSignupRejected
	case errors.Is(err, identity.ErrNoSession),
		errors.Is(err, identity.ErrTokenInvalid),
		errors.Is(err, identity.ErrTokenExpired):
		return KindNoSession
	case errors.Is(err, roles.ErrRoleEscalationDenied):
		return KindEscalationDenied
	case errors.Is(err, roles.ErrTenantMismatch):
		return KindTenantMismatch
	}
	return KindUnavailable
}
