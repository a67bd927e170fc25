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

// storeTimeout bounds one backend call made on behalf of a credential client.
const storeTimeout = 2 * time.Second

// DefaultStoreTTL is how long a stored session without an expiry is kept.
const DefaultStoreTTL = 24 * time.Hour

// Store keeps credential client sessions in a Backend so they outlive the
// in-process client holding them. It implements identity.Storage. Entries
// live until the session's token expires and are sealed when a Sealer is set.
type Store struct {
	backend Backend
	sealer  *crypto.Sealer
	prefix  string
	ttl     time.Duration
	now     func() time.Time
}

var _ identity.Storage = (*Store)(nil)

// NewStore creates a Store. ttl applies to sessions that carry no expiry.
func NewStore(backend Backend, sealer *crypto.Sealer, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultStoreTTL
	}
	return &Store{backend: backend, sealer: sealer, prefix: "sg:auth:", ttl: ttl, now: time.Now}
}

// Load implements identity.Storage.
func (s *Store) Load(key string) *identity.Session {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	k := s.prefix + key
	raw, err := s.backend.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			slog.Warn("session store read failed", "key", k, "error", err)
		}
		return nil
	}
	plain, err := s.sealer.Open(raw, k)
	if err != nil {
		slog.Warn("session store entry unreadable", "key", k, "error", err)
		_ = s.backend.Delete(ctx, k)
		return nil
	}
	var sess identity.Session
	if err := json.Unmarshal(plain, &sess); err != nil || !sess.IsAuthenticated() {
		_ = s.backend.Delete(ctx, k)
		return nil
	}
	return &sess
}

// Save implements identity.Storage.
func (s *Store) Save(key string, sess *identity.Session) {
	if !sess.IsAuthenticated() {
		s.Remove(key)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	k := s.prefix + key
	plain, err := json.Marshal(sess)
	if err != nil {
		slog.Warn("session store encode failed", "key", k, "error", err)
		return
	}
	sealed, err := s.sealer.Seal(plain, k)
	if err != nil {
		slog.Warn("session store seal failed", "key", k, "error", err)
		return
	}
	if err := s.backend.Set(ctx, k, sealed, s.ttlFor(sess)); err != nil {
		slog.Warn("session store write failed", "key", k, "error", err)
	}
}

// Remove implements identity.Storage.
func (s *Store) Remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	k := s.prefix + key
	if err := s.backend.Delete(ctx, k); err != nil {
		slog.Warn("session store delete failed", "key", k, "error", err)
	}
}

func (s *Store) ttlFor(sess *identity.Session) time.Duration {
	if exp := sess.Identity.ExpiresAt; !exp.IsZero() {
		if d := exp.Sub(s.now()); d > 0 {
			return d
		}
		return time.Second
	}
	return s.ttl
}
