package guard

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/roles"
)

// sharedLookupTimeout bounds a lookup shared between concurrent checks. The
// shared call outlives the caller that started it.
const sharedLookupTimeout = 10 * time.Second

// Resolver is the full set of lookups used by the guards.
type Resolver interface {
	AdminLookup
	SchoolAdminLookup
}

// Coalesced shares one lookup between concurrent checks presenting the same
// token. Nothing is kept once the shared call returns.
type Coalesced struct {
	next  Resolver
	group singleflight.Group
}

// Coalesce wraps next.
func Coalesce(next Resolver) *Coalesced {
	return &Coalesced{next: next}
}

// share runs fn once per key among concurrent callers. fn gets a context
// detached from any single caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (c *Coalesced) share(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return fn(sctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MyAdminProfile implements AdminLookup.
func (c *Coalesced) MyAdminProfile(ctx context.Context, caller identity.Identity) (*roles.AdminRecord, error) {
	v, err := c.share(ctx, "admin\x00"+caller.Token, func(ctx context.Context) (any, error) {
		return c.next.MyAdminProfile(ctx, caller)
	})
	if err != nil {
		return nil, err
	}
	rec, _ := v.(*roles.AdminRecord)
	if rec == nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// MySchoolAdminProfile implements SchoolAdminLookup.
func (c *Coalesced) MySchoolAdminProfile(ctx context.Context, caller identity.Identity, subject, schoolCode string) (*roles.SchoolAdminProfile, error) {
	v, err := c.share(ctx, "school\x00"+caller.Token+"\x00"+subject+"\x00"+schoolCode, func(ctx context.Context) (any, error) {
		return c.next.MySchoolAdminProfile(ctx, caller, subject, schoolCode)
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*roles.SchoolAdminProfile)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}
