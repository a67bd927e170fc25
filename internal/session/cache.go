// Package session is the time-boxed cache of the last known session, used to
// render before the credential store confirms it. Storage is best-effort:
// backend failures are logged and otherwise ignored.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alecgard/schoolgate/internal/crypto"
	"github.com/alecgard/schoolgate/internal/identity"
)

// DefaultWindow is how long a cached session is considered fresh.
const DefaultWindow = 5 * time.Minute

// ErrMiss is returned by a Backend when the key is absent.
var ErrMiss = errors.New("session cache miss")

// Backend stores opaque cache entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Observer is notified of every read.
type Observer interface {
	ObserveCacheLookup(surface string, hit bool)
}

type entry struct {
	Session  *identity.Session `json:"session"`
	CachedAt time.Time         `json:"cached_at"`
}

// Cache reads and writes one session under one key.
type Cache struct {
	backend  Backend
	key      string
	surface  string
	window   time.Duration
	sealer   *crypto.Sealer
	observer Observer
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithWindow overrides the freshness window.
func WithWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithSealer encrypts entries at rest.
func WithSealer(s *crypto.Sealer) Option {
	return func(c *Cache) { c.sealer = s }
}

// WithObserver reports hits and misses.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache for key. surface labels metrics ("primary", "admin").
func New(backend Backend, key, surface string, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		key:     key,
		surface: surface,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key returns the cache key.
func (c *Cache) Key() string {
	return c.key
}

// Read returns the cached session if present and younger than the freshness
// window.
func (c *Cache) Read(ctx context.Context) (*identity.Session, bool) {
	s, ok := c.read(ctx)
	if c.observer != nil {
		c.observer.ObserveCacheLookup(c.surface, ok)
	}
	return s, ok
}

func (c *Cache) read(ctx context.Context) (*identity.Session, bool) {
	raw, err := c.backend.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			slog.Warn("session cache read failed", "key", c.key, "error", err)
		}
		return nil, false
	}

	plain, err := c.sealer.Open(raw, c.key)
	if err != nil {
		slog.Warn("session cache entry unreadable", "key", c.key, "error", err)
		c.Clear(ctx)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(plain, &e); err != nil || !e.Session.IsAuthenticated() {
		c.Clear(ctx)
		return nil, false
	}
	if c.now().Sub(e.CachedAt) > c.window {
		return nil, false
	}
	return e.Session, true
}

// Write stores s. A nil session clears the entry.
func (c *Cache) Write(ctx context.Context, s *identity.Session) {
	if !s.IsAuthenticated() {
		c.Clear(ctx)
		return
	}

	plain, err := json.Marshal(entry{Session: s, CachedAt: c.now()})
	if err != nil {
		slog.Warn("session cache encode failed", "key", c.key, "error", err)
		return
	}
	sealed, err := c.sealer.Seal(plain, c.key)
	if err != nil {
		slog.Warn("session cache seal failed", "key", c.key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, c.key, sealed, c.window); err != nil {
		slog.Warn("session cache write failed", "key", c.key, "error", err)
	}
}

// Clear removes the entry.
func (c *Cache) Clear(ctx context.Context) {
	if err := c.backend.Delete(ctx, c.key); err != nil {
		slog.Warn("session cache clear failed", "key", c.key, "error", err)
	}
}
