// Package adminauth is the platform-administrator auth context. It is kept
// apart from the primary context on purpose: its own provider client, cache
// key, subscription and state. A caller is authenticated here only while
// holding both a valid credential and an active admin record.
package adminauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/schoolgate/internal/account"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/roles"
	"github.com/alecgard/schoolgate/internal/session"
)

// ErrClosed is returned by operations on a closed Context.
var ErrClosed = errors.New("admin auth context closed")

// Resolver looks up the caller's own admin record.
type Resolver interface {
	MyAdminProfile(ctx context.Context, caller identity.Identity) (*roles.AdminRecord, error)
}

// State is a snapshot of the admin context.
type State struct {
	Session *identity.Session
	Admin   *roles.AdminRecord
	Loading bool
}

// IsAuthenticated is true only for a valid credential with an active admin
// record.
func (s State) IsAuthenticated() bool {
	return s.Session.IsAuthenticated() && s.Admin != nil && s.Admin.IsActive
}

// Context is the admin auth context for one caller.
type Context struct {
	provider    identity.Provider
	cache       *session.Cache
	resolver    Resolver
	provisioner *Provisioner

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	seq     atomic.Uint64
	pending atomic.Int64

	// Owned by the loop goroutine.
	state       State
	mounted     bool
	checked     bool
	appliedSeq  uint64
	verifiedFor string
	fetching    bool
	fetchGen    int
	unsubscribe func()
	waiters     []chan struct{}
}

// New creates a Context. provisioner may be nil when the surface does not
// create admins.
func New(provider identity.Provider, cache *session.Cache, resolver Resolver, provisioner *Provisioner) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		provider:    provider,
		cache:       cache,
		resolver:    resolver,
		provisioner: provisioner,
		ctx:         ctx,
		cancel:      cancel,
		ops:         make(chan func()),
		done:        make(chan struct{}),
		mounted:     true,
	}
	go c.loop()
	return c
}

func (c *Context) loop() {
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Context) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Context) do(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Start subscribes to session changes and then verifies the stored session
// and its admin record.
func (c *Context) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if !c.do(func() {
			c.unsubscribe = c.provider.OnSessionChange(c.onSessionChange)
		}) {
			return
		}
		cached, hit := c.cache.Read(ctx)
		issued := c.seq.Load()
		c.do(func() {
			if hit && c.appliedSeq == 0 {
				c.state.Session = cached
			}
		})
		go c.initialCheck(issued)
	})
}

func (c *Context) initialCheck(issued uint64) {
	s, err := c.provider.GetSession(c.ctx)
	c.post(func() {
		c.checked = true
		defer c.settle()
		if !c.mounted || c.appliedSeq > issued {
			return
		}
		c.appliedSeq = issued
		if err != nil {
			slog.Warn("initial session check failed", "surface", "admin", "error", err)
			s = nil
		}
		c.adopt(s)
	})
}

func (c *Context) onSessionChange(ev identity.Event) {
	seq := c.seq.Add(1)
	c.pending.Add(1)
	time.AfterFunc(0, func() {
		if !c.post(func() {
			c.pending.Add(-1)
			c.applyEvent(seq, ev)
		}) {
			c.pending.Add(-1)
		}
	})
}

func (c *Context) applyEvent(seq uint64, ev identity.Event) {
	defer c.settle()
	if !c.mounted || seq <= c.appliedSeq {
		return
	}
	c.appliedSeq = seq
	if ev.Kind == identity.EventSignedOut {
		c.clear()
		return
	}
	c.adopt(ev.Session)
}

// adopt takes s as the current credential. The cache is only written for a
// credential whose admin record has been verified.
func (c *Context) adopt(s *identity.Session) {
	if !s.IsAuthenticated() {
		c.clear()
		return
	}
	c.state.Session = s
	if c.verifiedFor == s.Identity.Subject && c.state.Admin != nil {
		c.cache.Write(c.ctx, s)
		return
	}
	c.state.Admin = nil
	c.verify(false)
}

func (c *Context) clear() {
	c.cache.Clear(c.ctx)
	c.state = State{}
	c.verifiedFor = ""
	c.fetching = false
	c.fetchGen++
}

func (c *Context) verify(force bool) {
	if c.fetching && !force {
		return
	}
	c.fetching = true
	c.fetchGen++
	gen := c.fetchGen
	caller := c.state.Session.Identity

	go func() {
		rec, err := c.resolver.MyAdminProfile(c.ctx, caller)
		c.post(func() {
			defer c.settle()
			if !c.mounted || gen != c.fetchGen {
				return
			}
			c.fetching = false
			if c.state.Session.Subject() != caller.Subject {
				return
			}
			if err != nil || rec == nil || !rec.IsActive {
				slog.Warn("admin record check failed; signing out",
					"subject", caller.Subject, "found", rec != nil, "error", err)
				c.clear()
				go c.signOut()
				return
			}
			c.state.Admin = rec
			c.verifiedFor = caller.Subject
			c.cache.Write(c.ctx, c.state.Session)
		})
	}()
}

func (c *Context) signOut() {
	if err := c.provider.SignOut(c.ctx); err != nil {
		slog.Warn("sign-out failed", "surface", "admin", "error", err)
	}
}

func (c *Context) idle() bool {
	return c.checked && !c.fetching && c.pending.Load() == 0
}

func (c *Context) snapshot() State {
	s := c.state
	s.Loading = !c.idle()
	return s
}

func (c *Context) settle() {
	if !c.mounted || !c.idle() {
		return
	}
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// State returns the current snapshot.
func (c *Context) State() State {
	var s State
	c.do(func() { s = c.snapshot() })
	return s
}

// Wait blocks until nothing is in flight and returns the snapshot.
func (c *Context) Wait(ctx context.Context) (State, error) {
	ch := make(chan struct{})
	if !c.do(func() {
		if c.idle() {
			close(ch)
			return
		}
		c.waiters = append(c.waiters, ch)
	}) {
		return State{}, ErrClosed
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return c.State(), ctx.Err()
	case <-c.done:
		return State{}, ErrClosed
	}
	return c.State(), nil
}

// Close unsubscribes from the provider and drops late completions.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.do(func() {
			c.mounted = false
			if c.unsubscribe != nil {
				c.unsubscribe()
			}
			for _, w := range c.waiters {
				close(w)
			}
			c.waiters = nil
		})
		c.cancel()
		close(c.done)
	})
}

// Login authenticates and immediately checks the admin record. A caller
// without an active record is signed out again before Login returns.
func (c *Context) Login(ctx context.Context, email, password string) account.Result {
	s, err := c.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		slog.Info("admin sign-in failed", "kind", account.KindOf(err))
		return account.FailedWith(err)
	}

	rec, err := c.resolver.MyAdminProfile(ctx, s.Identity)
	var kind account.ErrKind
	switch {
	case err != nil:
		slog.Error("admin lookup failed", "subject", s.Identity.Subject, "error", err)
		kind = account.KindUnavailable
	case rec == nil:
		kind = account.KindNotAdmin
	case !rec.IsActive:
		kind = account.KindInactiveAdmin
	}
	if kind != "" {
		slog.Warn("admin sign-in refused", "subject", s.Identity.Subject, "kind", kind)
		c.Logout(ctx)
		return account.Failed(kind)
	}

	c.do(func() {
		c.appliedSeq = c.seq.Load()
		c.state.Session = s
		c.state.Admin = rec
		c.verifiedFor = s.Identity.Subject
		c.fetching = false
		c.fetchGen++
		c.cache.Write(c.ctx, s)
		c.settle()
	})
	return account.Succeeded()
}

// Logout clears the credential, the cache and all state.
func (c *Context) Logout(ctx context.Context) account.Result {
	c.cache.Clear(ctx)
	err := c.provider.SignOut(ctx)
	c.do(func() {
		c.clear()
		c.appliedSeq = c.seq.Load()
		c.settle()
	})
	if err != nil {
		return account.FailedWith(err)
	}
	return account.Succeeded()
}

// RefreshAdminProfile re-checks the admin record of the current credential.
// A record that disappeared or was deactivated signs the caller out.
func (c *Context) RefreshAdminProfile(ctx context.Context) (State, error) {
	var err error
	if !c.do(func() {
		if !c.state.Session.IsAuthenticated() {
			err = identity.ErrNoSession
			return
		}
		c.verify(true)
	}) {
		return State{}, ErrClosed
	}
	if err != nil {
		return c.State(), err
	}
	return c.Wait(ctx)
}

// RefreshSession rotates the access token when the provider supports it.
func (c *Context) RefreshSession(ctx context.Context) account.Result {
	r, ok := c.provider.(account.Refresher)
	if !ok {
		return account.Failed(account.KindUnavailable)
	}
	if _, err := r.Refresh(ctx); err != nil {
		return account.FailedWith(err)
	}
	return account.Succeeded()
}

// CreateAdmin provisions a new administrator on behalf of the signed-in
// admin. An escalation or tenant violation signs the caller out.
func (c *Context) CreateAdmin(ctx context.Context, in Input) (*roles.AdminRecord, account.Result) {
	st := c.State()
	if !st.IsAuthenticated() {
		return nil, account.Failed(account.KindNoSession)
	}
	if c.provisioner == nil {
		return nil, account.Failed(account.KindUnavailable)
	}

	rec, err := c.provisioner.CreateAdmin(ctx, st.Session.Identity, in)
	if err != nil {
		if errors.Is(err, ErrUnknownSchool) {
			return nil, account.Failed(account.KindUnknownSchool)
		}
		if errors.Is(err, roles.ErrRoleEscalationDenied) || errors.Is(err, roles.ErrTenantMismatch) {
			slog.Warn("admin provisioning violation; signing caller out",
				"subject", st.Session.Identity.Subject, "error", err)
			c.Logout(ctx)
		}
		return nil, account.FailedWith(err)
	}
	return rec, account.Succeeded()
}
