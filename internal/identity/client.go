package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Storage persists a caller's current session under a key.
type Storage interface {
	Load(key string) *Session
	Save(key string, s *Session)
	Remove(key string)
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{sessions: make(map[string]*Session)}
}

func (m *MemoryStorage) Load(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *MemoryStorage) Save(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = s
}

func (m *MemoryStorage) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// Client is one caller's handle on the credential store. It holds the
// caller's current session in storage and emits change events.
//
// Every operation that touches the session runs under the client lock, and
// listeners are invoked before that lock is released. A listener that calls
// back into the same client deadlocks.
type Client struct {
	backend Backend
	storage Storage
	key     string
	now     func() time.Time

	mu sync.Mutex

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewClient creates a Client persisting its session under key.
func NewClient(backend Backend, storage Storage, key string) *Client {
	return &Client{
		backend:   backend,
		storage:   storage,
		key:       key,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Key returns the storage key of this client.
func (c *Client) Key() string {
	return c.key
}

// OnSessionChange registers fn and returns a function removing it.
func (c *Client) OnSessionChange(fn Listener) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// GetSession returns the current session after checking it with the backend.
// An expired or revoked session is dropped and SIGNED_OUT is emitted.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.storage.Load(c.key)
	if s == nil {
		return nil, nil
	}
	if s.Identity.Expired(c.now()) {
		c.dropLocked()
		return nil, nil
	}

	if _, err := c.backend.Verify(ctx, s.Identity.Token); err != nil {
		if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) {
			c.dropLocked()
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// SignInWithPassword authenticates and stores the new session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.backend.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.storage.Save(c.key, s)
	c.emitLocked(EventSignedIn, s)
	return s, nil
}

// SignUp creates an account. A session is returned and stored only when the
// backend does not require email confirmation.
func (c *Client) SignUp(ctx context.Context, email, password string, meta map[string]string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.backend.SignUp(ctx, email, password, meta)
	if err != nil {
		return nil, err
	}
	if s != nil {
		c.storage.Save(c.key, s)
		c.emitLocked(EventSignedIn, s)
	}
	return s, nil
}

// SignOut revokes the current session. The local session is cleared even if
// the backend call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.storage.Load(c.key)
	if s == nil {
		return nil
	}

	err := c.backend.SignOut(ctx, s.Identity.Token)
	c.dropLocked()
	return err
}

// Refresh rotates the current token.
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.storage.Load(c.key)
	if s == nil {
		return nil, ErrNoSession
	}
	next, err := c.backend.Refresh(ctx, s.Identity.Token)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) {
			c.dropLocked()
		}
		return nil, err
	}
	c.storage.Save(c.key, next)
	c.emitLocked(EventTokenRefreshed, next)
	return next, nil
}

// ResetPasswordForEmail asks the backend to send a recovery token.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	return c.backend.RecoverPassword(ctx, email)
}

// ExchangeRecoveryToken trades a recovery token for a session and emits
// PASSWORD_RECOVERY.
func (c *Client) ExchangeRecoveryToken(ctx context.Context, recoveryToken string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.backend.ExchangeRecoveryToken(ctx, recoveryToken)
	if err != nil {
		return nil, err
	}
	c.storage.Save(c.key, s)
	c.emitLocked(EventPasswordRecovery, s)
	return s, nil
}

// UpdateUser sets a new password for the signed-in caller.
func (c *Client) UpdateUser(ctx context.Context, newPassword string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.storage.Load(c.key)
	if s == nil {
		return ErrNoSession
	}
	if err := c.backend.UpdatePassword(ctx, s.Identity.Token, newPassword); err != nil {
		return err
	}
	c.emitLocked(EventUserUpdated, s)
	return nil
}

func (c *Client) dropLocked() {
	c.storage.Remove(c.key)
	c.emitLocked(EventSignedOut, nil)
}

// emitLocked delivers ev to a snapshot of the listeners. Must be called with
// c.mu held.
func (c *Client) emitLocked(kind EventKind, s *Session) {
	ev := Event{Kind: kind, Session: s, At: c.now()}

	c.lmu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
