package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

func allowed(l *Limiter, key string) bool {
	ok, _ := l.Allow(key)
	return ok
}

func TestAllowBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !allowed(l, "k") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	ok, wait := l.Allow("k")
	if ok {
		t.Fatal("4th attempt should be denied")
	}
	// 3 per minute is one token every 20 seconds.
	if wait != 20*time.Second {
		t.Fatalf("wait = %v, want 20s", wait)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	primary := Key("primary", "10.0.0.1", "T@School.test")
	admin := Key("admin", "10.0.0.1", "t@school.test")

	if !allowed(l, primary) {
		t.Fatal("first primary attempt should be allowed")
	}
	if allowed(l, Key("primary", "10.0.0.1", " t@school.test ")) {
		t.Fatal("email case and spacing should map to the same key")
	}
	if !allowed(l, admin) {
		t.Fatal("admin surface should have its own bucket")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 60 tokens per minute = 1 token per second.
	l := newTestLimiter(60, time.Minute, clock)

	for i := 0; i < 60; i++ {
		l.Allow("k")
	}
	if allowed(l, "k") {
		t.Fatal("should be denied after exhausting tokens")
	}

	clock.Advance(1 * time.Second)
	if !allowed(l, "k") {
		t.Fatal("should be allowed after 1 second refill")
	}
	if allowed(l, "k") {
		t.Fatal("should be denied again after consuming refilled token")
	}
}

func TestTokenRefillCap(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("k")
	l.Allow("k")
	clock.Advance(10 * time.Minute)

	_, remaining, _ := l.Status("k")
	if remaining != 5 {
		t.Fatalf("remaining should cap at 5, got %d", remaining)
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Hour, clock)

	l.Allow("k")
	if allowed(l, "k") {
		t.Fatal("should be denied")
	}
	l.Reset("k")
	if !allowed(l, "k") {
		t.Fatal("should be allowed after Reset")
	}
}

func TestPrune(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("old")
	clock.Advance(2 * time.Minute)
	l.Allow("new")

	if n := l.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	results := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- allowed(l, "concurrent")
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for ok := range results {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestStatusFullBucketResetIsNow(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	_, _, resetAt := l.Status("full")
	if !resetAt.Equal(clock.Now()) {
		t.Fatalf("full bucket resetAt should equal now, got diff %v", resetAt.Sub(clock.Now()))
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)

	rejected := 0
	h := Middleware(l, ByClient("primary"), func(*http.Request) { rejected++ })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("192.0.2.1:5000"); rec.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: status %d", i+1, rec.Code)
		}
	}

	rec := do("192.0.2.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("code = %q", body.Error.Code)
	}
	if rejected != 1 {
		t.Errorf("onReject called %d times", rejected)
	}

	if rec := do("192.0.2.2:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("other client should pass, got %d", rec.Code)
	}
}
