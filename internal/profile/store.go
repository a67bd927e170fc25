// Package profile stores user profiles and schools.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/schoolgate/internal/identity"
)

// ErrSchoolExists is returned when creating a school whose code is taken.
var ErrSchoolExists = errors.New("school code already exists")

const profileColumns = `id, user_id, email, display_name, base_role, school_code,
	COALESCE(avatar_ref, ''), created_at, updated_at`

// Store provides database operations for profiles.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new profile store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanProfile(scan func(dest ...any) error) (*Profile, error) {
	p := &Profile{}
	err := scan(&p.ID, &p.Subject, &p.Email, &p.DisplayName, &p.BaseRole,
		&p.SchoolCode, &p.AvatarRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetBySubject returns the caller's own profile. Only the caller's verified
// identity is used as the key. A missing profile is (nil, nil).
func (s *Store) GetBySubject(ctx context.Context, caller identity.Identity) (*Profile, error) {
	p, err := scanProfile(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1
			 ORDER BY created_at LIMIT 1`, caller.Subject,
		).Scan(dest...)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return p, nil
}

// ListBySchool returns all profiles of a school ordered by name.
func (s *Store) ListBySchool(ctx context.Context, schoolCode string) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE school_code = $1
		 ORDER BY display_name`, schoolCode)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update performs a partial update on the caller's own profile.
func (s *Store) Update(ctx context.Context, caller identity.Identity, in UpdateProfileInput) (*Profile, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.DisplayName != nil {
		setClauses = append(setClauses, fmt.Sprintf("display_name = $%d", argIdx))
		args = append(args, *in.DisplayName)
		argIdx++
	}
	if in.AvatarRef != nil {
		setClauses = append(setClauses, fmt.Sprintf("avatar_ref = $%d", argIdx))
		args = append(args, *in.AvatarRef)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetBySubject(ctx, caller)
	}

	args = append(args, caller.Subject)
	query := fmt.Sprintf(
		`UPDATE profiles SET %s, updated_at = now() WHERE user_id = $%d
		 RETURNING `+profileColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	p, err := scanProfile(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return p, nil
}

// SchoolStore provides database operations for schools.
type SchoolStore struct {
	pool *pgxpool.Pool
}

// NewSchoolStore creates a new school store.
func NewSchoolStore(pool *pgxpool.Pool) *SchoolStore {
	return &SchoolStore{pool: pool}
}

// Exists reports whether a school with code exists.
func (s *SchoolStore) Exists(ctx context.Context, code string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schools WHERE code = $1)`, code,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking school: %w", err)
	}
	return ok, nil
}

// Get returns the school with code, or (nil, nil) if there is none.
func (s *SchoolStore) Get(ctx context.Context, code string) (*School, error) {
	sc := &School{}
	err := s.pool.QueryRow(ctx,
		`SELECT code, name, contact_info, created_at FROM schools WHERE code = $1`, code,
	).Scan(&sc.Code, &sc.Name, &sc.ContactInfo, &sc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting school: %w", err)
	}
	return sc, nil
}

// Create inserts a school.
func (s *SchoolStore) Create(ctx context.Context, in School) (*School, error) {
	sc := &School{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO schools (code, name, contact_info) VALUES ($1, $2, $3)
		 ON CONFLICT (code) DO NOTHING
		 RETURNING code, name, contact_info, created_at`,
		in.Code, in.Name, in.ContactInfo,
	).Scan(&sc.Code, &sc.Name, &sc.ContactInfo, &sc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSchoolExists
		}
		return nil, fmt.Errorf("creating school: %w", err)
	}
	return sc, nil
}

// List returns all schools ordered by code.
func (s *SchoolStore) List(ctx context.Context) ([]*School, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, name, contact_info, created_at FROM schools ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing schools: %w", err)
	}
	defer rows.Close()

	var out []*School
	for rows.Next() {
		sc := &School{}
		if err := rows.Scan(&sc.Code, &sc.Name, &sc.ContactInfo, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning school row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
