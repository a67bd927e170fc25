package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	original := []byte(`{"session":{"identity":{"sub":"user-1"}}}`)
	sealed, err := s.Seal(original, "sg:primary:abc")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("user-1")) {
		t.Fatal("sealed value should not contain plaintext")
	}

	opened, err := s.Open(sealed, "sg:primary:abc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, original) {
		t.Errorf("got %q, want %q", opened, original)
	}
}

func TestOpenRejectsOtherLabel(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal([]byte("payload"), "sg:primary:abc")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open(sealed, "sg:admin:abc"); err == nil {
		t.Fatal("value sealed for the primary key must not open under the admin key")
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	a, _ := s.Seal([]byte("same"), "k")
	b, _ := s.Seal([]byte("same"), "k")
	if bytes.Equal(a, b) {
		t.Error("two seals of the same value should differ")
	}
}

func TestNilSealerPassthrough(t *testing.T) {
	var s *Sealer

	sealed, err := s.Seal([]byte("plain"), "k")
	if err != nil || string(sealed) != "plain" {
		t.Fatalf("nil Seal: got %q, %v", sealed, err)
	}
	opened, err := s.Open([]byte("plain"), "k")
	if err != nil || string(opened) != "plain" {
		t.Fatalf("nil Open: got %q, %v", opened, err)
	}
}

func TestEmptyKeyDisablesSealing(t *testing.T) {
	s, err := NewSealer("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Fatal("expected nil sealer for empty key")
	}
}

func TestInvalidKeys(t *testing.T) {
	if _, err := NewSealer("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewSealer(hex.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for short key")
	}
}

func TestOpenTooShort(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := s.Open([]byte("x"), "k"); !errors.Is(err, ErrSealedTooShort) {
		t.Fatalf("expected ErrSealedTooShort, got %v", err)
	}
}
