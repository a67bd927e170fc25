package adminauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alecgard/schoolgate/internal/identity"
	"github.com/alecgard/schoolgate/internal/roles"
)

var (
	// ErrUnknownSchool is returned when the target school does not exist.
	ErrUnknownSchool = errors.New("unknown school code")
	// ErrAlreadyBootstrapped is returned by Bootstrap once any admin exists.
	ErrAlreadyBootstrapped = errors.New("an administrator already exists")
)

// Accounts creates and removes credential store accounts.
type Accounts interface {
	CreateAccount(ctx context.Context, email, password string, meta map[string]string) (string, error)
	DeleteAccount(ctx context.Context, subject string) error
}

// Admins persists admin records.
type Admins interface {
	InsertAdmin(ctx context.Context, rec roles.AdminRecord) error
	CountAdmins(ctx context.Context) (int, error)
}

// Schools reports whether a tenant key exists.
type Schools interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// Input describes an administrator to create.
type Input struct {
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	Name         string  `json:"name"`
	SchoolCode   *string `json:"school_code"`
	IsSuperAdmin bool    `json:"is_super_admin"`
	AllSchools   bool    `json:"all_schools"`
}

func (in Input) record() roles.AdminRecord {
	rec := roles.AdminRecord{
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Name:         strings.TrimSpace(in.Name),
		IsSuperAdmin: in.IsSuperAdmin,
		AllSchools:   in.AllSchools,
		IsActive:     true,
	}
	if in.SchoolCode != nil {
		if code := strings.TrimSpace(*in.SchoolCode); code != "" {
			rec.SchoolCode = &code
		}
	}
	return rec
}

// Provisioner creates administrator accounts. Every authorization check runs
// before the first write, and a half-created admin is rolled back.
type Provisioner struct {
	resolver Resolver
	accounts Accounts
	admins   Admins
	schools  Schools
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(resolver Resolver, accounts Accounts, admins Admins, schools Schools) *Provisioner {
	return &Provisioner{resolver: resolver, accounts: accounts, admins: admins, schools: schools}
}

// CreateAdmin creates the admin described by in on behalf of caller. The
// caller's own admin record is looked up fresh, never taken from state.
func (p *Provisioner) CreateAdmin(ctx context.Context, caller identity.Identity, in Input) (*roles.AdminRecord, error) {
	actor, err := p.resolver.MyAdminProfile(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("looking up caller: %w", err)
	}

	target := in.record()
	if err := roles.AuthorizeAdminCreation(actor, target); err != nil {
		slog.Warn("admin creation refused",
			"caller", caller.Subject, "target_email", target.Email,
			"target_super_admin", target.IsSuperAdmin, "error", err)
		return nil, err
	}
	if err := p.checkSchool(ctx, target); err != nil {
		return nil, err
	}
	return p.create(ctx, target, in.Password)
}

// Bootstrap creates the first super admin. It refuses once any admin record
// exists.
func (p *Provisioner) Bootstrap(ctx context.Context, in Input) (*roles.AdminRecord, error) {
	n, err := p.admins.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrAlreadyBootstrapped
	}

	target := in.record()
	target.IsSuperAdmin = true
	return p.create(ctx, target, in.Password)
}

func (p *Provisioner) checkSchool(ctx context.Context, target roles.AdminRecord) error {
	if target.SchoolCode == nil {
		return nil
	}
	ok, err := p.schools.Exists(ctx, *target.SchoolCode)
	if err != nil {
		return fmt.Errorf("checking school: %w", err)
	}
	if !ok {
		return ErrUnknownSchool
	}
	return nil
}

func (p *Provisioner) create(ctx context.Context, target roles.AdminRecord, password string) (*roles.AdminRecord, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	subject, err := p.accounts.CreateAccount(ctx, target.Email, password, map[string]string{
		"display_name": target.Name,
	})
	if err != nil {
		return nil, err
	}

	target.ID = subject
	if err := p.admins.InsertAdmin(ctx, target); err != nil {
		if derr := p.accounts.DeleteAccount(ctx, subject); derr != nil {
			slog.Error("rolling back admin account failed", "subject", subject, "error", derr)
			return nil, errors.Join(err, derr)
		}
		slog.Warn("admin record insert failed; account rolled back", "subject", subject, "error", err)
		return nil, err
	}

	slog.Info("admin created", "subject", subject, "email", target.Email,
		"super_admin", target.IsSuperAdmin, "school_code", target.SchoolCode)
	return &target, nil
}
