package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	uniqueViolation = "23505"
	// signupRejected is raised by the sign-up trigger for administrator roles.
	signupRejected = "SG403"
)

// Outbox delivers password recovery tokens to account holders.
type Outbox interface {
	SendRecovery(ctx context.Context, email, token string) error
}

// LogOutbox writes recovery notices to the structured log. Only a token prefix
// is logged.
type LogOutbox struct{}

// SendRecovery implements Outbox.
func (LogOutbox) SendRecovery(_ context.Context, email, token string) error {
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	slog.Info("password recovery issued", "email", email, "token_prefix", prefix)
	return nil
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	RequireEmailConfirmation bool
	RecoveryTTL              time.Duration
	Outbox                   Outbox
}

// Querier is the part of *pgxpool.Pool the Service uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// dummyHash is compared against when no account matches, so a failed sign-in
// costs one bcrypt comparison whether or not the address exists.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("schoolgate-no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy hash: %v", err))
	}
	return h
})

// Service is the Postgres-backed credential store backend.
type Service struct {
	pool    Querier
	signer  *Signer
	opts    ServiceOptions
	now     func() time.Time
	compare func(hash, password []byte) error
}

// NewService creates a Service.
func NewService(pool Querier, signer *Signer, opts ServiceOptions) *Service {
	if opts.RecoveryTTL == 0 {
		opts.RecoveryTTL = time.Hour
	}
	if opts.Outbox == nil {
		opts.Outbox = LogOutbox{}
	}
	return &Service{pool: pool, signer: signer, opts: opts, now: time.Now, compare: bcrypt.CompareHashAndPassword}
}

// ValidateCredentials checks the shape of an email and password pair.
func ValidateCredentials(email, password string) error {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// SignUp creates an account. When email confirmation is required no session
// is returned until the address is confirmed.
func (s *Service) SignUp(ctx context.Context, email, password string, meta map[string]string) (*Session, error) {
	subject, err := s.insertAccount(ctx, email, password, meta, !s.opts.RequireEmailConfirmation)
	if err != nil {
		return nil, err
	}
	if s.opts.RequireEmailConfirmation {
		return nil, nil
	}
	return s.issue(ctx, subject, normalizeEmail(email))
}

// CreateAccount creates a confirmed account without issuing a session. It is
// used by administrator provisioning.
func (s *Service) CreateAccount(ctx context.Context, email, password string, meta map[string]string) (string, error) {
	return s.insertAccount(ctx, email, password, meta, true)
}

func (s *Service) insertAccount(ctx context.Context, email, password string, meta map[string]string, confirmed bool) (string, error) {
	email = normalizeEmail(email)
	if err := ValidateCredentials(email, password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	var confirmedAt *time.Time
	if confirmed {
		now := s.now()
		confirmedAt = &now
	}

	var subject string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO auth_users (email, password_hash, metadata, confirmed_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		email, string(hash), metaJSON, confirmedAt,
	).Scan(&subject)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return "", ErrAlreadyRegistered
			case signupRejected:
				return "", ErrSignupRejected
			}
		}
		return "", fmt.Errorf("creating account: %w", err)
	}
	return subject, nil
}

// ConfirmEmail marks the account's email as confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, subject string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auth_users SET confirmed_at = now(), updated_at = now()
		 WHERE id = $1 AND confirmed_at IS NULL`, subject)
	if err != nil {
		return fmt.Errorf("confirming email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes an account and its sessions.
func (s *Service) DeleteAccount(ctx context.Context, subject string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_users WHERE id = $1`, subject)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

// SignIn verifies the password and issues a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)

	var (
		subject     string
		hash        string
		confirmedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash, confirmed_at FROM auth_users WHERE email = $1`, email,
	).Scan(&subject, &hash, &confirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = s.compare(dummyHash(), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if s.compare([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if confirmedAt == nil {
		return nil, ErrEmailNotConfirmed
	}

	return s.issue(ctx, subject, email)
}

// Verify checks the token signature and that its session is still live.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, err
	}

	var live bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM auth_sessions
			WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL AND expires_at > now()
		 )`, claims.ID, claims.Subject,
	).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if !live {
		return nil, ErrTokenInvalid
	}
	return identityFromClaims(token, claims), nil
}

// Refresh rotates a live token: the old session is revoked and a new one is
// issued for the same subject.
func (s *Service) Refresh(ctx context.Context, token string) (*Session, error) {
	id, err := s.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.SignOut(ctx, token); err != nil {
		return nil, err
	}
	return s.issue(ctx, id.Subject, id.Email)
}

// SignOut revokes the session behind token. Unparseable tokens are ignored.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE auth_sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, claims.ID)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RecoverPassword issues a one-time recovery token. Unknown addresses succeed
// silently so the endpoint cannot be used to enumerate accounts.
func (s *Service) RecoverPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	var subject string
	err := s.pool.QueryRow(ctx, `SELECT id FROM auth_users WHERE email = $1`, email).Scan(&subject)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("looking up account: %w", err)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating recovery token: %w", err)
	}
	plaintext := hex.EncodeToString(b)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO auth_recovery_tokens (token_hash, user_id, expires_at)
		 VALUES ($1, $2, $3)`,
		hashToken(plaintext), subject, s.now().Add(s.opts.RecoveryTTL),
	)
	if err != nil {
		return fmt.Errorf("storing recovery token: %w", err)
	}
	return s.opts.Outbox.SendRecovery(ctx, email, plaintext)
}

// ExchangeRecoveryToken consumes a recovery token and issues a session that
// may be used to set a new password.
func (s *Service) ExchangeRecoveryToken(ctx context.Context, recoveryToken string) (*Session, error) {
	var subject, email string
	err := s.pool.QueryRow(ctx,
		`UPDATE auth_recovery_tokens r SET used_at = now()
		 FROM auth_users u
		 WHERE r.token_hash = $1 AND r.user_id = u.id
		   AND r.used_at IS NULL AND r.expires_at > now()
		 RETURNING u.id, u.email`, hashToken(recoveryToken),
	).Scan(&subject, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("consuming recovery token: %w", err)
	}
	return s.issue(ctx, subject, email)
}

// UpdatePassword sets a new password for the holder of token and revokes
// every other session of the account. The session behind token stays live.
func (s *Service) UpdatePassword(ctx context.Context, token, newPassword string) error {
	id, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return err
	}
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`WITH updated AS (
			UPDATE auth_users SET password_hash = $1, updated_at = now() WHERE id = $2 RETURNING id
		 )
		 UPDATE auth_sessions SET revoked_at = now()
		 WHERE user_id IN (SELECT id FROM updated) AND id <> $3 AND revoked_at IS NULL`,
		string(hash), id.Subject, claims.ID)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("other sessions revoked after password change", "subject", id.Subject, "count", n)
	}
	return nil
}

// CleanExpiredSessions deletes expired and revoked sessions.
func (s *Service) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM auth_sessions WHERE expires_at < now() OR revoked_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) issue(ctx context.Context, subject, email string) (*Session, error) {
	sess, jti, err := s.signer.Issue(subject, email)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		jti, subject, sess.IssuedAt, sess.Identity.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
