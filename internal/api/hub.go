package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/alecgard/schoolgate/internal/account"
	"github.com/alecgard/schoolgate/internal/adminauth"
	"github.com/alecgard/schoolgate/internal/crypto"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/session"
)

// Client is one browser's pair of auth contexts. The primary and admin
// contexts use separate credential clients, storage keys and cache keys, so
// signing in or out on one surface never touches the other.
type Client struct {
	ID          string
	Primary     *account.Context
	Admin       *adminauth.Context
	PrimaryAuth *identity.Client
	AdminAuth   *identity.Client
}

func (c *Client) close() {
	c.Primary.Close()
	c.Admin.Close()
}

// HubDeps are the collaborators shared by every Client.
type HubDeps struct {
	Backend       identity.Backend
	Storage       identity.Storage
	CacheBackend  session.Backend
	CacheWindow   time.Duration
	Sealer        *crypto.Sealer
	CacheObserver session.Observer

	Profiles    account.Profiles
	Roles       account.Roles
	Schools     account.Schools
	Admins      adminauth.Resolver
	Provisioner *adminauth.Provisioner

	CookieName   string
	CookieSecure bool
	IdleTimeout  time.Duration

	// OnCount is told the number of live clients after every change.
	OnCount func(n int)
}

// Hub maps the client cookie to live auth contexts. Clients idle for longer
// than IdleTimeout are closed. Their stored sessions stay until the token
// expires or the caller signs out, and a returning cookie gets its client
// back under the same ID.
type Hub struct {
	deps    HubDeps
	clients *gocache.Cache
	mu      sync.Mutex
}

// NewHub creates a Hub.
func NewHub(d HubDeps) *Hub {
	if d.CacheBackend == nil {
		d.CacheBackend = session.NewMemory(session.DefaultWindow)
	}
	if d.Storage == nil {
		d.Storage = session.NewStore(d.CacheBackend, d.Sealer, 0)
	}
	if d.CookieName == "" {
		d.CookieName = "sg_client"
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = 30 * time.Minute
	}

	h := &Hub{deps: d, clients: gocache.New(d.IdleTimeout, time.Minute)}
	h.clients.OnEvicted(func(_ string, v interface{}) {
		if c, ok := v.(*Client); ok {
			c.close()
		}
		h.report()
	})
	return h
}

// Lookup returns the client named by the request cookie. A client is only
// created to restore one whose stored session outlived it.
func (h *Hub) Lookup(r *http.Request) (*Client, bool) {
	ck, err := r.Cookie(h.deps.CookieName)
	if err != nil || ck.Value == "" {
		return nil, false
	}
	if v, ok := h.clients.Get(ck.Value); ok {
		c := v.(*Client)
		h.clients.SetDefault(c.ID, c)
		return c, true
	}
	return h.restore(ck.Value)
}

// restore re-creates the client for id when a session is still stored under
// it. IDs the hub never issued have nothing stored and are refused.
func (h *Hub) restore(id string) (*Client, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	if h.deps.Storage.Load(primaryKey(id)) == nil && h.deps.Storage.Load(adminKey(id)) == nil {
		return nil, false
	}

	h.mu.Lock()
	if v, ok := h.clients.Get(id); ok {
		h.mu.Unlock()
		return v.(*Client), true
	}
	c := h.newClient(id)
	h.clients.SetDefault(id, c)
	h.mu.Unlock()
	h.report()
	return c, true
}

// Get returns the caller's client, creating it and setting the cookie when
// the caller has none.
func (h *Hub) Get(w http.ResponseWriter, r *http.Request) *Client {
	if c, ok := h.Lookup(r); ok {
		return c
	}

	h.mu.Lock()
	c := h.newClient(uuid.NewString())
	h.clients.SetDefault(c.ID, c)
	h.mu.Unlock()
	h.report()

	http.SetCookie(w, &http.Cookie{
		Name:     h.deps.CookieName,
		Value:    c.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return c
}

func (h *Hub) newClient(id string) *Client {
	d := h.deps
	opts := []session.Option{session.WithWindow(d.CacheWindow), session.WithSealer(d.Sealer)}
	if d.CacheObserver != nil {
		opts = append(opts, session.WithObserver(d.CacheObserver))
	}

	primaryAuth := identity.NewClient(d.Backend, d.Storage, primaryKey(id))
	adminAuth := identity.NewClient(d.Backend, d.Storage, adminKey(id))

	c := &Client{
		ID:          id,
		PrimaryAuth: primaryAuth,
		AdminAuth:   adminAuth,
		Primary: account.New(account.Deps{
			Provider: primaryAuth,
			Cache:    session.New(d.CacheBackend, "sg:"+id+":primary", "primary", opts...),
			Profiles: d.Profiles,
			Roles:    d.Roles,
			Schools:  d.Schools,
		}),
		Admin: adminauth.New(
			adminAuth,
			session.New(d.CacheBackend, "sg:"+id+":admin", "admin", opts...),
			d.Admins,
			d.Provisioner,
		),
	}
	c.Primary.Start(context.Background())
	c.Admin.Start(context.Background())
	return c
}

func primaryKey(id string) string { return id + ":primary" }

func adminKey(id string) string { return id + ":admin" }

// Sweep closes clients whose idle timeout has passed. The cache janitor also
// does this every minute.
func (h *Hub) Sweep() {
	h.clients.DeleteExpired()
}

// Close closes every client.
func (h *Hub) Close() {
	for id := range h.clients.Items() {
		h.clients.Delete(id)
	}
}

func (h *Hub) report() {
	if h.deps.OnCount != nil {
		h.deps.OnCount(h.clients.ItemCount())
	}
}
