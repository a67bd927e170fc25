package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/identity/identitytest"
)

type recorder struct {
	mu     sync.Mutex
	events []identity.Event
}

func (r *recorder) listen(ev identity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []identity.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newClient(t *testing.T) (*identity.Client, *identitytest.Backend) {
	t.Helper()
	backend := identitytest.New()
	backend.AddAccount("ada@school.test", "correct-horse")
	return identity.NewClient(backend, identity.NewMemoryStorage(), "primary:test"), backend
}

func TestClient_SignInEmitsAndPersists(t *testing.T) {
	c, _ := newClient(t)
	rec := &recorder{}
	unsubscribe := c.OnSessionChange(rec.listen)
	defer unsubscribe()

	sess, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	require.True(t, sess.IsAuthenticated())

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.True(t, got.SameAs(sess))
	assert.Equal(t, []identity.EventKind{identity.EventSignedIn}, rec.kinds())
}

func TestClient_SignInWrongPassword(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.SignInWithPassword(context.Background(), "ada@school.test", "nope-nope")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClient_GetSessionDropsRevokedToken(t *testing.T) {
	c, backend := newClient(t)
	rec := &recorder{}
	c.OnSessionChange(rec.listen)

	sess, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	backend.Revoke(sess.Identity.Subject)

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []identity.EventKind{identity.EventSignedIn, identity.EventSignedOut}, rec.kinds())
}

func TestClient_GetSessionDropsExpiredWithoutBackend(t *testing.T) {
	now := time.Now()
	backend := identitytest.New()
	backend.AddAccount("ada@school.test", "correct-horse")
	backend.TTL = time.Minute
	backend.Now = func() time.Time { return now.Add(-2 * time.Minute) }
	c := identity.NewClient(backend, identity.NewMemoryStorage(), "k")

	_, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	verifies := backend.Calls("Verify")

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, verifies, backend.Calls("Verify"), "expired token must not reach the backend")
}

func TestClient_SignOutClearsAndEmits(t *testing.T) {
	c, backend := newClient(t)
	rec := &recorder{}
	c.OnSessionChange(rec.listen)

	_, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, c.SignOut(context.Background()))

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, backend.Calls("SignOut"))
	assert.Equal(t, []identity.EventKind{identity.EventSignedIn, identity.EventSignedOut}, rec.kinds())
}

func TestClient_SignOutWithoutSessionIsNoop(t *testing.T) {
	c, backend := newClient(t)
	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, 0, backend.Calls("SignOut"))
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	c, _ := newClient(t)
	rec := &recorder{}
	unsubscribe := c.OnSessionChange(rec.listen)
	unsubscribe()
	unsubscribe()

	_, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	assert.Empty(t, rec.kinds())
}

func TestClient_UpdateUserRequiresSession(t *testing.T) {
	c, _ := newClient(t)
	assert.ErrorIs(t, c.UpdateUser(context.Background(), "new-password-1"), identity.ErrNoSession)
}

func TestClient_RecoveryFlow(t *testing.T) {
	c, backend := newClient(t)
	rec := &recorder{}
	c.OnSessionChange(rec.listen)

	require.NoError(t, c.ResetPasswordForEmail(context.Background(), "ada@school.test"))
	tok := backend.RecoveryToken("ada@school.test")
	require.NotEmpty(t, tok)

	_, err := c.ExchangeRecoveryToken(context.Background(), tok)
	require.NoError(t, err)
	require.NoError(t, c.UpdateUser(context.Background(), "brand-new-pass"))

	assert.Equal(t, []identity.EventKind{identity.EventPasswordRecovery, identity.EventUserUpdated}, rec.kinds())

	require.NoError(t, c.SignOut(context.Background()))
	_, err = c.SignInWithPassword(context.Background(), "ada@school.test", "brand-new-pass")
	assert.NoError(t, err)
}

func TestClient_PasswordChangeSignsOutOtherSessions(t *testing.T) {
	c, backend := newClient(t)
	other := identity.NewClient(backend, identity.NewMemoryStorage(), "primary:other")
	ctx := context.Background()

	_, err := other.SignInWithPassword(ctx, "ada@school.test", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, c.ResetPasswordForEmail(ctx, "ada@school.test"))
	_, err = c.ExchangeRecoveryToken(ctx, backend.RecoveryToken("ada@school.test"))
	require.NoError(t, err)
	require.NoError(t, c.UpdateUser(ctx, "brand-new-pass"))

	s, err := other.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s, "a session opened before the password change must be revoked")

	s, err = c.GetSession(ctx)
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated(), "the session that changed the password stays live")
}

func TestClient_RefreshRotatesToken(t *testing.T) {
	c, _ := newClient(t)
	rec := &recorder{}
	c.OnSessionChange(rec.listen)

	first, err := c.SignInWithPassword(context.Background(), "ada@school.test", "correct-horse")
	require.NoError(t, err)
	next, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.False(t, first.SameAs(next))
	assert.Equal(t, first.Subject(), next.Subject())
	assert.Equal(t, []identity.EventKind{identity.EventSignedIn, identity.EventTokenRefreshed}, rec.kinds())
}

func TestClient_SignUpWithConfirmationReturnsNoSession(t *testing.T) {
	backend := identitytest.New()
	backend.RequireConfirmation = true
	c := identity.NewClient(backend, identity.NewMemoryStorage(), "k")
	rec := &recorder{}
	c.OnSessionChange(rec.listen)

	sess, err := c.SignUp(context.Background(), "new@school.test", "long-password", nil)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Empty(t, rec.kinds())

	_, err = c.SignInWithPassword(context.Background(), "new@school.test", "long-password")
	assert.ErrorIs(t, err, identity.ErrEmailNotConfirmed)
}
