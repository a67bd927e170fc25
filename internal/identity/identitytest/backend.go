// Package identitytest provides an in-memory credential store backend for
// tests.
package identitytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alecgard/schoolgate/internal/identity"
)

type account struct {
	subject   string
	email     string
	password  string
	confirmed bool
	meta      map[string]string
}

type token struct {
	subject string
	email   string
	expires time.Time
	revoked bool
}

// Backend implements identity.Backend in memory and counts calls per method.
type Backend struct {
	mu       sync.Mutex
	accounts map[string]*account // by email
	tokens   map[string]*token
	recovery map[string]string // recovery token -> email
	calls    map[string]int
	seq      int

	// TTL is the lifetime of issued tokens. Defaults to one hour.
	TTL time.Duration
	// RequireConfirmation makes SignUp return no session.
	RequireConfirmation bool
	// Now is the clock used for issuing and verifying tokens.
	Now func() time.Time
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		accounts: make(map[string]*account),
		tokens:   make(map[string]*token),
		recovery: make(map[string]string),
		calls:    make(map[string]int),
		TTL:      time.Hour,
		Now:      time.Now,
	}
}

// AddAccount registers a confirmed account and returns its subject.
func (b *Backend) AddAccount(email, password string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(email, password, nil, true)
}

// Calls returns how many times method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// TotalCalls returns the number of backend invocations of any method.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Revoke invalidates every token issued for subject.
func (b *Backend) Revoke(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tokens {
		if t.subject == subject {
			t.revoked = true
		}
	}
}

// Meta returns the metadata stored at sign-up for email.
func (b *Backend) Meta(email string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[email]; ok {
		return a.meta
	}
	return nil
}

// RecoveryToken returns the last recovery token issued for email.
func (b *Backend) RecoveryToken(email string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tok, e := range b.recovery {
		if e == email {
			return tok
		}
	}
	return ""
}

// CreateAccount mirrors identity.Service.CreateAccount.
func (b *Backend) CreateAccount(_ context.Context, email, password string, meta map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CreateAccount"]++
	if err := identity.ValidateCredentials(email, password); err != nil {
		return "", err
	}
	if _, ok := b.accounts[email]; ok {
		return "", identity.ErrAlreadyRegistered
	}
	return b.addLocked(email, password, meta, true), nil
}

// DeleteAccount mirrors identity.Service.DeleteAccount.
func (b *Backend) DeleteAccount(_ context.Context, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["DeleteAccount"]++
	for email, a := range b.accounts {
		if a.subject == subject {
			delete(b.accounts, email)
		}
	}
	return nil
}

// HasAccount reports whether email is registered.
func (b *Backend) HasAccount(email string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.accounts[email]
	return ok
}

func (b *Backend) SignUp(_ context.Context, email, password string, meta map[string]string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignUp"]++
	if err := identity.ValidateCredentials(email, password); err != nil {
		return nil, err
	}
	if _, ok := b.accounts[email]; ok {
		return nil, identity.ErrAlreadyRegistered
	}
	subject := b.addLocked(email, password, meta, !b.RequireConfirmation)
	if b.RequireConfirmation {
		return nil, nil
	}
	return b.issueLocked(subject, email), nil
}

func (b *Backend) SignIn(_ context.Context, email, password string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignIn"]++
	a, ok := b.accounts[email]
	if !ok || a.password != password {
		return nil, identity.ErrInvalidCredentials
	}
	if !a.confirmed {
		return nil, identity.ErrEmailNotConfirmed
	}
	return b.issueLocked(a.subject, email), nil
}

func (b *Backend) Verify(_ context.Context, tok string) (*identity.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Verify"]++
	t, ok := b.tokens[tok]
	if !ok || t.revoked {
		return nil, identity.ErrTokenInvalid
	}
	if !b.Now().Before(t.expires) {
		return nil, identity.ErrTokenExpired
	}
	return &identity.Identity{Subject: t.subject, Email: t.email, ExpiresAt: t.expires, Token: tok}, nil
}

func (b *Backend) Refresh(_ context.Context, tok string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Refresh"]++
	t, ok := b.tokens[tok]
	if !ok || t.revoked {
		return nil, identity.ErrTokenInvalid
	}
	t.revoked = true
	return b.issueLocked(t.subject, t.email), nil
}

func (b *Backend) SignOut(_ context.Context, tok string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignOut"]++
	if t, ok := b.tokens[tok]; ok {
		t.revoked = true
	}
	return nil
}

func (b *Backend) RecoverPassword(_ context.Context, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["RecoverPassword"]++
	if _, ok := b.accounts[email]; ok {
		b.seq++
		b.recovery[fmt.Sprintf("recover-%d", b.seq)] = email
	}
	return nil
}

func (b *Backend) ExchangeRecoveryToken(_ context.Context, recoveryToken string) (*identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ExchangeRecoveryToken"]++
	email, ok := b.recovery[recoveryToken]
	if !ok {
		return nil, identity.ErrTokenInvalid
	}
	delete(b.recovery, recoveryToken)
	return b.issueLocked(b.accounts[email].subject, email), nil
}

func (b *Backend) UpdatePassword(_ context.Context, tok, newPassword string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["UpdatePassword"]++
	t, ok := b.tokens[tok]
	if !ok || t.revoked {
		return identity.ErrTokenInvalid
	}
	if len(newPassword) < identity.MinPasswordLength {
		return identity.ErrWeakPassword
	}
	b.accounts[t.email].password = newPassword
	for k, other := range b.tokens {
		if k != tok && other.subject == t.subject {
			other.revoked = true
		}
	}
	return nil
}

func (b *Backend) addLocked(email, password string, meta map[string]string, confirmed bool) string {
	b.seq++
	subject := fmt.Sprintf("user-%d", b.seq)
	b.accounts[email] = &account{
		subject:   subject,
		email:     email,
		password:  password,
		confirmed: confirmed,
		meta:      meta,
	}
	return subject
}

func (b *Backend) issueLocked(subject, email string) *identity.Session {
	b.seq++
	now := b.Now()
	tok := fmt.Sprintf("tok-%d-%s", b.seq, subject)
	b.tokens[tok] = &token{subject: subject, email: email, expires: now.Add(b.TTL)}
	return &identity.Session{
		Identity: identity.Identity{
			Subject:   subject,
			Email:     email,
			ExpiresAt: now.Add(b.TTL),
			Token:     tok,
		},
		IssuedAt: now,
	}
}
