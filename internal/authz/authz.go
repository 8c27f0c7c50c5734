// Package authz answers the org↔location access question asked at the
// WebSocket handshake.
package authz

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store checks location access against the relational schema.
type Store struct {
	pool *pgxpool.Pool
}

// New creates an authorization store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CanAccessLocation reports whether the location belongs to the claimed
// organization.
func (s *Store) CanAccessLocation(ctx context.Context, orgID, locationID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM entities.locations
			WHERE id = $1 AND organization_id = $2
		)
	`

	var allowed bool
	if err := s.pool.QueryRow(ctx, q, locationID, orgID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("query location access: %w", err)
	}
	return allowed, nil
}
