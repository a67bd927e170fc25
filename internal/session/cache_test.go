package session

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/schoolgate/internal/crypto"
	"github.com/alecgard/schoolgate/internal/identity"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend fails every operation.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) Delete(context.Context, string) error { return errors.New("connection refused") }

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) ObserveCacheLookup(_ string, hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func testSession(subject string) *identity.Session {
	return &identity.Session{
		Identity: identity.Identity{
			Subject:   subject,
			Email:     subject + "@school.test",
			Token:     "tok-" + subject,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		IssuedAt: time.Now(),
	}
}

func newTestCache(clock *fakeClock, opts ...Option) *Cache {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(NewMemory(time.Hour), "sg:primary:test", "primary", opts...)
}

func TestReadFreshEntry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock)
	ctx := context.Background()

	c.Write(ctx, testSession("u1"))
	clock.Advance(4 * time.Minute)

	got, ok := c.Read(ctx)
	if !ok {
		t.Fatal("expected a hit within the freshness window")
	}
	if got.Subject() != "u1" {
		t.Errorf("expected subject u1, got %q", got.Subject())
	}
}

func TestReadStaleEntryReturnsNothing(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock)
	ctx := context.Background()

	c.Write(ctx, testSession("u3"))
	clock.Advance(6 * time.Minute)

	if got, ok := c.Read(ctx); ok || got != nil {
		t.Fatalf("a 6 minute old entry must not be returned, got %+v", got)
	}
}

func TestReadAbsent(t *testing.T) {
	c := newTestCache(&fakeClock{now: time.Now()})
	if _, ok := c.Read(context.Background()); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(&fakeClock{now: time.Now()})
	ctx := context.Background()

	c.Write(ctx, testSession("u1"))
	c.Clear(ctx)

	if _, ok := c.Read(ctx); ok {
		t.Fatal("expected miss after Clear")
	}
}

func TestWriteNilClears(t *testing.T) {
	c := newTestCache(&fakeClock{now: time.Now()})
	ctx := context.Background()

	c.Write(ctx, testSession("u1"))
	c.Write(ctx, nil)

	if _, ok := c.Read(ctx); ok {
		t.Fatal("writing a nil session should clear the entry")
	}
}

func TestCustomWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(clock, WithWindow(time.Minute))
	ctx := context.Background()

	c.Write(ctx, testSession("u1"))
	clock.Advance(90 * time.Second)

	if _, ok := c.Read(ctx); ok {
		t.Fatal("expected miss past the custom window")
	}
}

func TestBackendFailuresAreSwallowed(t *testing.T) {
	c := New(failingBackend{}, "k", "primary")
	ctx := context.Background()

	c.Write(ctx, testSession("u1"))
	c.Clear(ctx)
	if _, ok := c.Read(ctx); ok {
		t.Fatal("expected miss when the backend fails")
	}
}

func TestSealedEntriesAreBoundToKey(t *testing.T) {
	sealer, err := crypto.NewSealer(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	backend := NewMemory(time.Hour)
	ctx := context.Background()

	primary := New(backend, "sg:primary:x", "primary", WithSealer(sealer))
	primary.Write(ctx, testSession("u1"))

	raw, err := backend.Get(ctx, "sg:primary:x")
	if err != nil {
		t.Fatalf("backend.Get: %v", err)
	}
	_ = backend.Set(ctx, "sg:admin:x", raw, time.Hour)

	admin := New(backend, "sg:admin:x", "admin", WithSealer(sealer))
	if _, ok := admin.Read(ctx); ok {
		t.Fatal("an entry copied from the primary key must not be readable under the admin key")
	}
	if _, ok := primary.Read(ctx); !ok {
		t.Fatal("primary entry should still be readable")
	}
}

func TestObserverCountsLookups(t *testing.T) {
	obs := &countingObserver{}
	c := newTestCache(&fakeClock{now: time.Now()}, WithObserver(obs))
	ctx := context.Background()

	c.Read(ctx)
	c.Write(ctx, testSession("u1"))
	c.Read(ctx)

	if obs.hits != 1 || obs.misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d hits %d misses", obs.hits, obs.misses)
	}
}
