// Package identity is the credential store: it issues session tokens for
// email/password accounts, keeps each caller's current session and notifies
// listeners when that session changes.
package identity

import (
	"context"
	"errors"
	"time"
)

// Credential errors. Callers map these to stable, user-displayable kinds.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrAlreadyRegistered  = errors.New("user already registered")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrTokenInvalid       = errors.New("invalid session token")
	ErrTokenExpired       = errors.New("session token expired")
	ErrNoSession          = errors.New("no active session")
	ErrAccountNotFound    = errors.New("account not found")
	ErrSignupRejected     = errors.New("sign-up role rejected")
)

// MinPasswordLength is the shortest password accepted at sign-up or update.
const MinPasswordLength = 8

// Identity is the token issued by the credential store. The application only
// reads and forwards it.
type Identity struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

// Expired reports whether the identity is past its expiry at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Session is a snapshot of an identity and the time it was issued.
type Session struct {
	Identity Identity  `json:"identity"`
	IssuedAt time.Time `json:"issued_at"`
}

// IsAuthenticated reports whether s carries an identity.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.Identity.Subject != "" && s.Identity.Token != ""
}

// Subject returns the identity subject, or "" for a nil session.
func (s *Session) Subject() string {
	if s == nil {
		return ""
	}
	return s.Identity.Subject
}

// SameAs reports whether s and other hold the same token.
func (s *Session) SameAs(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.Identity.Token == other.Identity.Token
}

// EventKind names a session state change.
type EventKind string

const (
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// Event is delivered to session change listeners. At is the moment the change
// happened inside the credential store, so receivers can order events by
// freshness instead of by arrival.
type Event struct {
	Kind    EventKind
	Session *Session
	At      time.Time
}

// Listener receives session change events. Listeners run while the client
// holds its internal lock and must not call back into the client.
type Listener func(Event)

// Provider is the credential store surface consumed by the auth contexts and
// route guards.
type Provider interface {
	GetSession(ctx context.Context) (*Session, error)
	OnSessionChange(fn Listener) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, meta map[string]string) (*Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	UpdateUser(ctx context.Context, newPassword string) error
}

// Backend is the server side of the credential store. Service is the
// Postgres-backed implementation.
type Backend interface {
	SignUp(ctx context.Context, email, password string, meta map[string]string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	Verify(ctx context.Context, token string) (*Identity, error)
	Refresh(ctx context.Context, token string) (*Session, error)
	SignOut(ctx context.Context, token string) error
	RecoverPassword(ctx context.Context, email string) error
	ExchangeRecoveryToken(ctx context.Context, recoveryToken string) (*Session, error)
	UpdatePassword(ctx context.Context, token, newPassword string) error
}
