package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound signals that the token subject no longer exists.
var ErrUserNotFound = errors.New("auth: user not found")

// Users resolves the current role of a token subject. Accounts themselves are managed
// elsewhere; this package only reads them.
type Users interface {
	GetRole(ctx context.Context, userID string) (Role, error)
}

// PGUsers implements Users backed by PostgreSQL.
type PGUsers struct {
	pool *pgxpool.Pool
}

func NewPGUsers(pool *pgxpool.Pool) *PGUsers {
	return &PGUsers{pool: pool}
}

func (r *PGUsers) GetRole(ctx context.Context, userID string) (Role, error) {
	const query = `SELECT role FROM users WHERE id = $1`

	var role Role
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("auth: get user role: %w", err)
	}
	return role, nil
}
