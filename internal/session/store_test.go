package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/alecgard/schoolgate/internal/crypto"
)

func TestStoreSaveLoadRemove(t *testing.T) {
	s := NewStore(NewMemory(time.Hour), nil, 0)

	if got := s.Load("c1:primary"); got != nil {
		t.Fatalf("expected nothing stored, got %v", got)
	}
	s.Save("c1:primary", testSession("u1"))
	got := s.Load("c1:primary")
	if got == nil || got.Identity.Subject != "u1" || got.Identity.Token != "tok-u1" {
		t.Fatalf("Load = %v, want session for u1", got)
	}
	if s.Load("c1:admin") != nil {
		t.Error("keys must not share entries")
	}

	s.Remove("c1:primary")
	if s.Load("c1:primary") != nil {
		t.Error("expected session removed")
	}
}

func TestStoreIsSharedBetweenInstances(t *testing.T) {
	backend := NewMemory(time.Hour)
	NewStore(backend, nil, 0).Save("c1:primary", testSession("u1"))

	if got := NewStore(backend, nil, 0).Load("c1:primary"); got == nil || got.Identity.Subject != "u1" {
		t.Fatalf("a second store over the same backend should see the session, got %v", got)
	}
}

func TestStoreSavingNilRemoves(t *testing.T) {
	s := NewStore(NewMemory(time.Hour), nil, 0)
	s.Save("k", testSession("u1"))
	s.Save("k", nil)
	if s.Load("k") != nil {
		t.Error("saving nil should remove the entry")
	}
}

func TestStoreEntryExpiresWithToken(t *testing.T) {
	s := NewStore(NewMemory(time.Hour), nil, time.Hour)
	now := time.Now()
	s.now = func() time.Time { return now }

	sess := testSession("u1")
	sess.Identity.ExpiresAt = now.Add(10 * time.Minute)
	if d := s.ttlFor(sess); d != 10*time.Minute {
		t.Errorf("ttl = %v, want the token's remaining lifetime", d)
	}
	sess.Identity.ExpiresAt = time.Time{}
	if d := s.ttlFor(sess); d != time.Hour {
		t.Errorf("ttl = %v, want the store default", d)
	}
}

func TestStoreSealsEntries(t *testing.T) {
	sealer, err := crypto.NewSealer(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	backend := NewMemory(time.Hour)
	s := NewStore(backend, sealer, 0)
	s.Save("c1:primary", testSession("u1"))

	raw, err := backend.Get(context.Background(), "sg:auth:c1:primary")
	if err != nil {
		t.Fatalf("backend.Get: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("tok-u1")) {
		t.Fatal("stored entry should be sealed")
	}

	_ = backend.Set(context.Background(), "sg:auth:c2:primary", raw, time.Hour)
	if s.Load("c2:primary") != nil {
		t.Error("an entry copied to another key must not be readable")
	}
	if got := s.Load("c1:primary"); got == nil || got.Identity.Subject != "u1" {
		t.Errorf("Load = %v, want session for u1", got)
	}
}

func TestStoreBackendFailuresAreSwallowed(t *testing.T) {
	s := NewStore(failingBackend{}, nil, 0)
	s.Save("k", testSession("u1"))
	s.Remove("k")
	if s.Load("k") != nil {
		t.Fatal("expected nothing when the backend fails")
	}
}
