package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleShowingAgent marks users that belong to the public pool.
const RoleShowingAgent = "showing_agent"

// Handler is a directory entry.
type Handler struct {
	ID        string
	Email     string
	FullName  string
	Phone     *string
	Role      string
	CreatedAt time.Time
}

// Directory lists every handler eligible for public fallback.
type Directory interface {
	ListAllHandlers(ctx context.Context) ([]Handler, error)
}

type PGDirectory struct {
	pool *pgxpool.Pool
	role string
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool, role: RoleShowingAgent}
}

// ListAllHandlers returns a snapshot ordered by creation time, then id, so indexes are stable
// between evaluations while the directory is unchanged.
func (d *PGDirectory) ListAllHandlers(ctx context.Context) ([]Handler, error) {
	const query = `
		SELECT id, email, full_name, phone, role, created_at
		FROM users
		WHERE role = $1
		ORDER BY created_at, id
	`
	rows, err := d.pool.Query(ctx, query, d.role)
	if err != nil {
		return nil, fmt.Errorf("directory: list handlers: %w", err)
	}
	defer rows.Close()

	handlers := []Handler{}
	for rows.Next() {
		h, err := scanHandler(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan handler: %w", err)
		}
		handlers = append(handlers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate handlers: %w", err)
	}
	return handlers, nil
}

func scanHandler(row pgx.Row) (Handler, error) {
	var h Handler
	if err := row.Scan(&h.ID, &h.Email, &h.FullName, &h.Phone, &h.Role, &h.CreatedAt); err != nil {
		return Handler{}, err
	}
	return h, nil
}

// Static is a fixed directory, used by tests and the single-node tooling.
type Static []Handler

func (s Static) ListAllHandlers(context.Context) ([]Handler, error) {
	return append([]Handler(nil), s...), nil
}
