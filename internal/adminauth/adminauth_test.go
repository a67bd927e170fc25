package adminauth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/schoolgate/internal/account"
	"github.com/alecgard/schoolgate/internal/adminauth"
	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/identity/identitytest"
	"github.com/alecgard/schoolgate/internal/roles"
	"github.com/alecgard/schoolgate/internal/session"
)

type fakeResolver struct {
	mu      sync.Mutex
	records map[string]*roles.AdminRecord
	calls   int
}

func (f *fakeResolver) MyAdminProfile(_ context.Context, caller identity.Identity) (*roles.AdminRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rec, ok := f.records[caller.Subject]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeResolver) set(subject string, rec *roles.AdminRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = subject
	f.records[subject] = rec
}

type fakeAdmins struct {
	mu        sync.Mutex
	inserted  []roles.AdminRecord
	insertErr error
	count     int
}

func (f *fakeAdmins) InsertAdmin(_ context.Context, rec roles.AdminRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeAdmins) CountAdmins(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count + len(f.inserted), nil
}

type fakeSchools map[string]bool

func (f fakeSchools) Exists(_ context.Context, code string) (bool, error) {
	return f[code], nil
}

func strp(s string) *string { return &s }

const password = "correct-horse"

type fixture struct {
	backend  *identitytest.Backend
	client   *identity.Client
	cache    *session.Cache
	resolver *fakeResolver
	admins   *fakeAdmins
	ctx      *adminauth.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend:  identitytest.New(),
		cache:    session.New(session.NewMemory(time.Minute), "admin:test", "admin"),
		resolver: &fakeResolver{records: map[string]*roles.AdminRecord{}},
		admins:   &fakeAdmins{},
	}
	f.client = identity.NewClient(f.backend, identity.NewMemoryStorage(), "admin:test")
	prov := adminauth.NewProvisioner(f.resolver, f.backend, f.admins, fakeSchools{"A": true, "B": true})
	f.ctx = adminauth.New(f.client, f.cache, f.resolver, prov)
	f.ctx.Start(context.Background())
	t.Cleanup(f.ctx.Close)
	return f
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoginActiveAdmin(t *testing.T) {
	f := newFixture(t)
	subject := f.backend.AddAccount("root@platform.test", password)
	f.resolver.set(subject, &roles.AdminRecord{Email: "root@platform.test", IsSuperAdmin: true, IsActive: true})

	res := f.ctx.Login(context.Background(), "root@platform.test", password)
	require.True(t, res.Success, res.Error)

	st, err := f.ctx.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated())
	assert.True(t, st.Admin.IsSuperAdmin)

	_, hit := f.cache.Read(context.Background())
	assert.True(t, hit)
}

func TestLoginWithoutAdminRecordSignsOut(t *testing.T) {
	f := newFixture(t)
	f.backend.AddAccount("u2@school-a.test", password)

	res := f.ctx.Login(context.Background(), "u2@school-a.test", password)
	assert.False(t, res.Success)
	assert.Equal(t, account.KindNotAdmin, res.Kind)
	assert.Equal(t, 1, f.backend.Calls("SignOut"))

	st, err := f.ctx.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated())
	assert.Nil(t, st.Session)

	s, err := f.client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s, "no credential may be left live")
	_, hit := f.cache.Read(context.Background())
	assert.False(t, hit)
}

func TestLoginInactiveAdminSignsOut(t *testing.T) {
	f := newFixture(t)
	subject := f.backend.AddAccount("old@school-a.test", password)
	f.resolver.set(subject, &roles.AdminRecord{Email: "old@school-a.test", SchoolCode: strp("A"), IsActive: false})

	res := f.ctx.Login(context.Background(), "old@school-a.test", password)
	assert.Equal(t, account.KindInactiveAdmin, res.Kind)
	assert.GreaterOrEqual(t, f.backend.Calls("SignOut"), 1)

	st, err := f.ctx.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated())
	s, _ := f.client.GetSession(context.Background())
	assert.Nil(t, s)
}

func TestLoginBadPasswordSkipsLookup(t *testing.T) {
	f := newFixture(t)
	f.backend.AddAccount("root@platform.test", password)

	res := f.ctx.Login(context.Background(), "root@platform.test", "nope-nope-nope")
	assert.Equal(t, account.KindInvalidCredentials, res.Kind)
	assert.Zero(t, f.resolver.calls)
}

func TestRefreshAdminProfileSignsOutDeactivated(t *testing.T) {
	f := newFixture(t)
	subject := f.backend.AddAccount("a@school-a.test", password)
	f.resolver.set(subject, &roles.AdminRecord{Email: "a@school-a.test", SchoolCode: strp("A"), IsActive: true})
	require.True(t, f.ctx.Login(context.Background(), "a@school-a.test", password).Success)

	f.resolver.set(subject, &roles.AdminRecord{Email: "a@school-a.test", SchoolCode: strp("A"), IsActive: false})
	st, err := f.ctx.RefreshAdminProfile(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated())

	require.Eventually(t, func() bool {
		s, _ := f.client.GetSession(context.Background())
		return s == nil
	}, time.Second, 5*time.Millisecond)
}

func TestIsolatedFromPrimaryClient(t *testing.T) {
	f := newFixture(t)
	subject := f.backend.AddAccount("root@platform.test", password)
	f.resolver.set(subject, &roles.AdminRecord{Email: "root@platform.test", IsSuperAdmin: true, IsActive: true})

	primary := identity.NewClient(f.backend, identity.NewMemoryStorage(), "primary:test")
	require.True(t, f.ctx.Login(context.Background(), "root@platform.test", password).Success)

	s, err := primary.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s, "admin sign-in must not create a primary session")
}

func TestProvisionerEscalationDenied(t *testing.T) {
	backend := identitytest.New()
	resolver := &fakeResolver{records: map[string]*roles.AdminRecord{}}
	admins := &fakeAdmins{}
	p := adminauth.NewProvisioner(resolver, backend, admins, fakeSchools{"A": true})

	caller := identity.Identity{Subject: "a1"}
	resolver.set("a1", &roles.AdminRecord{Email: "a1@school-a.test", SchoolCode: strp("A"), IsActive: true})

	_, err := p.CreateAdmin(context.Background(), caller, adminauth.Input{
		Email: "evil@school-a.test", Password: password, Name: "Evil", IsSuperAdmin: true,
	})
	assert.ErrorIs(t, err, roles.ErrRoleEscalationDenied)
	assert.Zero(t, backend.Calls("CreateAccount"), "no account may be created")
	assert.False(t, backend.HasAccount("evil@school-a.test"))
	assert.Empty(t, admins.inserted)
}

func TestProvisionerTenantRules(t *testing.T) {
	backend := identitytest.New()
	resolver := &fakeResolver{records: map[string]*roles.AdminRecord{}}
	p := adminauth.NewProvisioner(resolver, backend, &fakeAdmins{}, fakeSchools{"A": true, "B": true})
	caller := identity.Identity{Subject: "a1"}
	resolver.set("a1", &roles.AdminRecord{Email: "a1@school-a.test", SchoolCode: strp("A"), IsActive: true})

	_, err := p.CreateAdmin(context.Background(), caller, adminauth.Input{
		Email: "b@school-b.test", Password: password, SchoolCode: strp("B"),
	})
	assert.ErrorIs(t, err, roles.ErrTenantMismatch)

	rec, err := p.CreateAdmin(context.Background(), caller, adminauth.Input{
		Email: "A2@School-A.test ", Password: password, Name: "A2", SchoolCode: strp("A"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a2@school-a.test", rec.Email)
	assert.NotEmpty(t, rec.ID)
	assert.True(t, rec.IsActive)
	assert.True(t, backend.HasAccount("a2@school-a.test"))
}

func TestProvisionerUnknownSchool(t *testing.T) {
	backend := identitytest.New()
	resolver := &fakeResolver{records: map[string]*roles.AdminRecord{}}
	p := adminauth.NewProvisioner(resolver, backend, &fakeAdmins{}, fakeSchools{})
	resolver.set("root", &roles.AdminRecord{IsSuperAdmin: true, IsActive: true})

	_, err := p.CreateAdmin(context.Background(), identity.Identity{Subject: "root"}, adminauth.Input{
		Email: "x@nowhere.test", Password: password, SchoolCode: strp("ZZZ"),
	})
	assert.ErrorIs(t, err, adminauth.ErrUnknownSchool)
	assert.Zero(t, backend.Calls("CreateAccount"))
}

func TestProvisionerRollsBackAccount(t *testing.T) {
	backend := identitytest.New()
	resolver := &fakeResolver{records: map[string]*roles.AdminRecord{}}
	admins := &fakeAdmins{insertErr: errors.New("insert failed")}
	p := adminauth.NewProvisioner(resolver, backend, admins, fakeSchools{"A": true})
	resolver.set("root", &roles.AdminRecord{IsSuperAdmin: true, IsActive: true})

	_, err := p.CreateAdmin(context.Background(), identity.Identity{Subject: "root"}, adminauth.Input{
		Email: "new@school-a.test", Password: password, SchoolCode: strp("A"),
	})
	require.Error(t, err)
	assert.Equal(t, 1, backend.Calls("DeleteAccount"))
	assert.False(t, backend.HasAccount("new@school-a.test"), "account must be rolled back")
}

func TestBootstrap(t *testing.T) {
	backend := identitytest.New()
	admins := &fakeAdmins{}
	p := adminauth.NewProvisioner(&fakeResolver{records: map[string]*roles.AdminRecord{}}, backend, admins, fakeSchools{})

	rec, err := p.Bootstrap(context.Background(), adminauth.Input{Email: "root@platform.test", Password: password, Name: "Root"})
	require.NoError(t, err)
	assert.True(t, rec.IsSuperAdmin)

	_, err = p.Bootstrap(context.Background(), adminauth.Input{Email: "second@platform.test", Password: password})
	assert.ErrorIs(t, err, adminauth.ErrAlreadyBootstrapped)
}

func TestCreateAdminViolationSignsCallerOut(t *testing.T) {
	f := newFixture(t)
	subject := f.backend.AddAccount("a@school-a.test", password)
	f.resolver.set(subject, &roles.AdminRecord{Email: "a@school-a.test", SchoolCode: strp("A"), IsActive: true})
	require.True(t, f.ctx.Login(context.Background(), "a@school-a.test", password).Success)

	_, res := f.ctx.CreateAdmin(context.Background(), adminauth.Input{
		Email: "super@school-a.test", Password: password, IsSuperAdmin: true,
	})
	assert.Equal(t, account.KindEscalationDenied, res.Kind)
	assert.False(t, f.backend.HasAccount("super@school-a.test"))

	st, err := f.ctx.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated(), "caller is signed out of the admin surface")
}

func TestCreateAdminRequiresSession(t *testing.T) {
	f := newFixture(t)
	_, res := f.ctx.CreateAdmin(context.Background(), adminauth.Input{Email: "x@y.test", Password: password})
	assert.Equal(t, account.KindNoSession, res.Kind)
}
