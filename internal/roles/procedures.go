package roles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/schoolgate/internal/identity"
)

// TokenVerifier checks a session token and returns the identity it carries.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Identity, error)
}

// procedureSQL lists the only statements PGProcedures will run.
var procedureSQL = map[string]string{
	ProcMyAdminProfile:       `SELECT get_my_admin_profile()`,
	ProcMySchoolAdminProfile: `SELECT get_my_school_admin_profile($1::uuid, nullif($2, ''))`,
	ProcMyRole:               `SELECT get_my_role()`,
}

// PGProcedures calls the SECURITY DEFINER lookup functions. The caller's
// subject is taken from the re-verified token and installed as a
// transaction-local setting the functions read.
type PGProcedures struct {
	pool     *pgxpool.Pool
	verifier TokenVerifier
}

// NewPGProcedures creates a PGProcedures.
func NewPGProcedures(pool *pgxpool.Pool, verifier TokenVerifier) *PGProcedures {
	return &PGProcedures{pool: pool, verifier: verifier}
}

// Call implements Procedures.
func (p *PGProcedures) Call(ctx context.Context, caller identity.Identity, name string, args ...any) (json.RawMessage, error) {
	query, ok := procedureSQL[name]
	if !ok {
		return nil, fmt.Errorf("unknown procedure %q", name)
	}

	verified, err := p.verifier.Verify(ctx, caller.Token)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning lookup: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claim.sub', $1, true)`, verified.Subject); err != nil {
		return nil, fmt.Errorf("setting caller: %w", err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing lookup: %w", err)
	}
	return raw, nil
}
