package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAdminExists is returned when an admin record already exists for an id.
var ErrAdminExists = errors.New("admin record already exists")

// Store writes role assignments and admin records. Reads for authorization go
// through Resolver.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new role store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertAssignment sets the role of a subject within a school. The
// (user_id, school_code) pair is unique, so a role change is an update.
func (s *Store) UpsertAssignment(ctx context.Context, a RoleAssignment) error {
	if !a.Role.Valid() {
		return ErrInvalidRole
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role, school_code) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, school_code) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`,
		a.Subject, string(a.Role), a.SchoolCode)
	if err != nil {
		return fmt.Errorf("upserting role assignment: %w", err)
	}
	return nil
}

// InsertAdmin creates an admin record.
func (s *Store) InsertAdmin(ctx context.Context, rec AdminRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admins (id, email, name, school_code, is_super_admin, all_schools, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Email, rec.Name, rec.SchoolCode, rec.IsSuperAdmin, rec.AllSchools, rec.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAdminExists
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// SetAdminActive activates or deactivates an admin record.
func (s *Store) SetAdminActive(ctx context.Context, id string, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE admins SET is_active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("updating admin: %w", err)
	}
	return nil
}

// CountAdmins returns the number of admin records.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM admins`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}
