// Package account holds the primary auth context: the general-purpose session
// of a student, teacher or admin using the dashboard as a regular user, with
// the profile and role resolved for it.
//
// All state lives on one goroutine per Context. Provider events are deferred
// to that goroutine through a zero-delay timer because the provider delivers
// them while holding its own lock.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/profile"
	"github.com/alecgard/schoolgate/internal/roles"
	"github.com/alecgard/schoolgate/internal/session"
	"github.com/alecgard/schoolgate/internal/tenant"
)

// ErrClosed is returned by operations on a closed Context.
var ErrClosed = errors.New("auth context closed")

// Profiles loads the caller's own profile.
type Profiles interface {
	GetBySubject(ctx context.Context, caller identity.Identity) (*profile.Profile, error)
}

// Roles resolves the caller's own role records.
type Roles interface {
	MyRoleAssignments(ctx context.Context, caller identity.Identity) ([]roles.RoleAssignment, error)
	MyAdminProfile(ctx context.Context, caller identity.Identity) (*roles.AdminRecord, error)
}

// Schools reports whether a tenant key exists.
type Schools interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// Refresher is implemented by providers that can rotate the access token.
type Refresher interface {
	Refresh(ctx context.Context) (*identity.Session, error)
}

// Deps are the collaborators of a Context.
type Deps struct {
	Provider identity.Provider
	Cache    *session.Cache
	Profiles Profiles
	Roles    Roles
	Schools  Schools
}

// State is a snapshot of the primary auth context. The profile and role
// assignment are display data; authorization always re-resolves server side.
type State struct {
	Session    *identity.Session
	Profile    *profile.Profile
	Assignment *roles.RoleAssignment
	AppRole    roles.AppRole
	Loading    bool
	// LastAuthAt is when the last applied session change happened in the
	// credential store.
	LastAuthAt time.Time
}

// IsAuthenticated reports whether the snapshot carries a session.
func (s State) IsAuthenticated() bool {
	return s.Session.IsAuthenticated()
}

// TenantView returns the read-only view handed to data access code.
func (s State) TenantView() tenant.View {
	return tenant.NewView(s.IsAuthenticated(), s.Profile, s.Assignment, s.AppRole)
}

func emptyState() State {
	return State{AppRole: roles.Anonymous}
}

// Context is the primary auth context for one caller.
type Context struct {
	provider identity.Provider
	cache    *session.Cache
	profiles Profiles
	roles    Roles
	schools  Schools

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// seq numbers provider events in delivery order; pending counts events
	// delivered but not yet applied.
	seq     atomic.Uint64
	pending atomic.Int64

	// Owned by the loop goroutine.
	state       State
	mounted     bool
	checked     bool
	appliedSeq  uint64
	fetchedFor  string
	fetchingFor string
	fetching    bool
	fetchGen    int
	fetchErr    error
	unsubscribe func()
	waiters     []chan struct{}
	watchers    map[int]func(State)
	nextWatcher int
}

// New creates a Context and starts its loop. Call Start to subscribe and run
// the initial session check.
func New(d Deps) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		provider: d.Provider,
		cache:    d.Cache,
		profiles: d.Profiles,
		roles:    d.Roles,
		schools:  d.Schools,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan func()),
		done:     make(chan struct{}),
		state:    emptyState(),
		mounted:  true,
		watchers: make(map[int]func(State)),
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

// do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
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

// Start subscribes to session changes, renders the cached session if one is
// fresh, and then checks the session with the credential store. The
// subscription is in place before the check is issued.
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
		if !c.mounted {
			return
		}
		if c.appliedSeq > issued {
			slog.Debug("initial session check superseded by newer event", "surface", "primary")
			return
		}
		c.appliedSeq = issued
		if err != nil {
			slog.Warn("initial session check failed", "surface", "primary", "error", err)
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
	c.state.LastAuthAt = ev.At

	if ev.Kind == identity.EventSignedOut {
		c.cache.Clear(c.ctx)
		c.reset()
		return
	}
	c.adopt(ev.Session)
}

// adopt makes s the current session, revalidating the cache against it.
func (c *Context) adopt(s *identity.Session) {
	if !s.IsAuthenticated() {
		c.cache.Clear(c.ctx)
		c.reset()
		return
	}

	c.cache.Write(c.ctx, s)
	c.state.Session = s
	if c.fetchedFor != s.Identity.Subject {
		c.state.Profile = nil
		c.state.Assignment = nil
		c.state.AppRole = roles.Anonymous
		c.fetch(false)
	}
}

func (c *Context) reset() {
	at := c.state.LastAuthAt
	c.state = emptyState()
	c.state.LastAuthAt = at
	c.fetchedFor = ""
	c.fetchingFor = ""
	c.fetching = false
	c.fetchErr = nil
	c.fetchGen++
}

// fetch loads profile and role for the current identity off the loop. Unless
// forced, an identity is fetched at most once and never twice concurrently.
func (c *Context) fetch(force bool) {
	subject := c.state.Session.Subject()
	if subject == "" {
		return
	}
	if !force && (c.fetchedFor == subject || (c.fetching && c.fetchingFor == subject)) {
		return
	}

	c.fetching = true
	c.fetchingFor = subject
	c.fetchGen++
	gen := c.fetchGen
	caller := c.state.Session.Identity

	go func() {
		res, err := c.load(c.ctx, caller)
		c.post(func() {
			defer c.settle()
			c.finishFetch(gen, caller.Subject, res, err)
		})
	}()
}

type loaded struct {
	profile    *profile.Profile
	assignment *roles.RoleAssignment
	role       roles.AppRole
}

func (c *Context) load(ctx context.Context, caller identity.Identity) (loaded, error) {
	var (
		p     *profile.Profile
		rows  []roles.RoleAssignment
		admin *roles.AdminRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		p, err = c.profiles.GetBySubject(gctx, caller)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = c.roles.MyRoleAssignments(gctx, caller)
		return err
	})
	g.Go(func() error {
		var err error
		admin, err = c.roles.MyAdminProfile(gctx, caller)
		return err
	})
	if err := g.Wait(); err != nil {
		return loaded{}, err
	}

	var school string
	if p != nil {
		school = p.SchoolCode
	}
	a := roles.PickAssignment(rows, school)
	return loaded{profile: p, assignment: a, role: roles.Resolve(a, admin)}, nil
}

func (c *Context) finishFetch(gen int, subject string, res loaded, err error) {
	if !c.mounted || gen != c.fetchGen {
		return
	}
	c.fetching = false
	c.fetchingFor = ""
	if c.state.Session.Subject() != subject {
		return
	}
	c.fetchErr = err

	if err != nil {
		slog.Warn("profile and role fetch failed", "surface", "primary", "subject", subject, "error", err)
		c.state.Profile = nil
		c.state.Assignment = nil
		c.state.AppRole = roles.Anonymous
		return
	}
	c.state.Profile = res.profile
	c.state.Assignment = res.assignment
	c.state.AppRole = res.role
	c.fetchedFor = subject
}

func (c *Context) idle() bool {
	return c.checked && !c.fetching && c.pending.Load() == 0
}

func (c *Context) snapshot() State {
	s := c.state
	s.Loading = !c.idle()
	return s
}

// settle wakes waiters once nothing is in flight and notifies watchers.
func (c *Context) settle() {
	if !c.mounted {
		return
	}
	snap := c.snapshot()
	if !snap.Loading {
		for _, w := range c.waiters {
			close(w)
		}
		c.waiters = nil
	}
	for _, fn := range c.watchers {
		fn(snap)
	}
}

// State returns the current snapshot.
func (c *Context) State() State {
	s := emptyState()
	c.do(func() { s = c.snapshot() })
	return s
}

// Wait blocks until no session check, event or fetch is in flight and returns
// the resulting snapshot.
func (c *Context) Wait(ctx context.Context) (State, error) {
	ch := make(chan struct{})
	if !c.do(func() {
		if c.idle() {
			close(ch)
			return
		}
		c.waiters = append(c.waiters, ch)
	}) {
		return emptyState(), ErrClosed
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return c.State(), ctx.Err()
	case <-c.done:
		return emptyState(), ErrClosed
	}
	return c.State(), nil
}

// Subscribe registers fn to receive every settled snapshot. fn runs on the
// context's goroutine and must not call back into the Context.
func (c *Context) Subscribe(fn func(State)) func() {
	var id int
	c.do(func() {
		id = c.nextWatcher
		c.nextWatcher++
		c.watchers[id] = fn
	})
	return func() {
		c.post(func() { delete(c.watchers, id) })
	}
}

// Close unsubscribes from the provider. Fetches completing afterwards change
// nothing.
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

// Login signs in with the credential store. The role is resolved on the
// session change path, not here.
func (c *Context) Login(ctx context.Context, email, password string) Result {
	if _, err := c.provider.SignInWithPassword(ctx, email, password); err != nil {
		slog.Info("sign-in failed", "surface", "primary", "kind", KindOf(err))
		return FailedWith(err)
	}
	return Succeeded()
}

// SignupInput is a self-service registration.
type SignupInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	SchoolCode string `json:"school_code"`
}

// Signup registers a teacher or student. Administrator roles are refused
// before anything is sent to the credential store.
func (c *Context) Signup(ctx context.Context, in SignupInput) Result {
	role := strings.ToLower(strings.TrimSpace(in.Role))
	if role == string(roles.RoleAdmin) || role == string(roles.SchoolAdmin) || role == string(roles.SuperAdmin) {
		slog.Warn("administrator self sign-up refused", "email", in.Email)
		return Failed(KindAdminSignupRejected)
	}
	if !profile.BaseRole(role).Valid() {
		return Failed(KindInvalidRole)
	}

	code := strings.TrimSpace(in.SchoolCode)
	if code == "" {
		return Failed(KindUnknownSchool)
	}
	exists, err := c.schools.Exists(ctx, code)
	if err != nil {
		slog.Error("school lookup failed", "school_code", code, "error", err)
		return Failed(KindUnavailable)
	}
	if !exists {
		return Failed(KindUnknownSchool)
	}

	s, err := c.provider.SignUp(ctx, in.Email, in.Password, map[string]string{
		"display_name": strings.TrimSpace(in.Name),
		"role":         role,
		"school_code":  code,
	})
	if err != nil {
		return FailedWith(err)
	}
	r := Succeeded()
	r.ConfirmationRequired = s == nil
	return r
}

// Logout clears the cache, the credential store session and all derived
// state. Local state is cleared even when the provider call fails.
func (c *Context) Logout(ctx context.Context) Result {
	c.cache.Clear(ctx)
	err := c.provider.SignOut(ctx)
	c.do(func() {
		c.cache.Clear(c.ctx)
		c.reset()
		c.appliedSeq = c.seq.Load()
		c.settle()
	})
	if err != nil {
		slog.Warn("sign-out failed", "surface", "primary", "error", err)
		return FailedWith(err)
	}
	return Succeeded()
}

// RefreshProfile re-fetches profile and role for the current identity,
// bypassing de-duplication, and returns the settled snapshot. A failed fetch
// is reported with the cleared snapshot.
func (c *Context) RefreshProfile(ctx context.Context) (State, error) {
	var err error
	if !c.do(func() {
		if !c.state.Session.IsAuthenticated() {
			err = identity.ErrNoSession
			return
		}
		c.fetch(true)
	}) {
		return emptyState(), ErrClosed
	}
	if err != nil {
		return c.State(), err
	}
	st, err := c.Wait(ctx)
	if err != nil {
		return st, err
	}
	c.do(func() { err = c.fetchErr })
	return st, err
}

// RefreshSession rotates the access token when the provider supports it.
func (c *Context) RefreshSession(ctx context.Context) Result {
	r, ok := c.provider.(Refresher)
	if !ok {
		return Failed(KindUnavailable)
	}
	if _, err := r.Refresh(ctx); err != nil {
		return FailedWith(err)
	}
	return Succeeded()
}

// ResetPassword asks the credential store to send a recovery token.
func (c *Context) ResetPassword(ctx context.Context, email string) Result {
	if err := c.provider.ResetPasswordForEmail(ctx, email); err != nil {
		return FailedWith(err)
	}
	return Succeeded()
}

// UpdatePassword sets a new password for the signed-in caller.
func (c *Context) UpdatePassword(ctx context.Context, newPassword string) Result {
	if err := c.provider.UpdateUser(ctx, newPassword); err != nil {
		return FailedWith(err)
	}
	return Succeeded()
}
