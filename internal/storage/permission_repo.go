package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/better-wallet/provider-bridge/internal/permission"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/jackc/pgx/v5"
)

// PermissionRepository handles permission grant persistence
type PermissionRepository struct {
	store *Store
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(store *Store) *PermissionRepository {
	return &PermissionRepository{store: store}
}

// Get retrieves the grant for an origin, revoked or not
func (r *PermissionRepository) Get(ctx context.Context, origin string) (*types.PermissionGrant, error) {
	query := `
		SELECT origin, accounts, granted_at, revoked, revoked_at
		FROM permission_grants
		WHERE origin = $1
	`

	g := &types.PermissionGrant{}
	err := r.store.pool.QueryRow(ctx, query, origin).Scan(
		&g.Origin,
		&g.Accounts,
		&g.GrantedAt,
		&g.Revoked,
		&g.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission grant: %w", err)
	}
	if g.Accounts == nil {
		g.Accounts = []string{}
	}

	return g, nil
}

// Put creates or replaces the grant for an origin in a single statement.
// A re-grant clears any earlier revocation.
func (r *PermissionRepository) Put(ctx context.Context, grant *types.PermissionGrant) error {
	if grant == nil || grant.Origin == "" {
		return fmt.Errorf("grant origin is required")
	}

	query := `
		INSERT INTO permission_grants (origin, accounts, granted_at, revoked, revoked_at)
		VALUES ($1, $2, COALESCE($3, NOW()), FALSE, NULL)
		ON CONFLICT (origin) DO UPDATE
		SET accounts = EXCLUDED.accounts,
		    granted_at = EXCLUDED.granted_at,
		    revoked = FALSE,
		    revoked_at = NULL
		RETURNING granted_at
	`

	var grantedAt any
	if !grant.GrantedAt.IsZero() {
		grantedAt = grant.GrantedAt
	}

	accounts := types.CloneAccounts(grant.Accounts)
	if err := r.store.pool.QueryRow(ctx, query, grant.Origin, accounts, grantedAt).Scan(&grant.GrantedAt); err != nil {
		return fmt.Errorf("failed to upsert permission grant: %w", err)
	}

	return nil
}

// Delete revokes the grant, keeping the row for audit. Unknown origins are a no-op.
func (r *PermissionRepository) Delete(ctx context.Context, origin string) error {
	query := `
		UPDATE permission_grants
		SET accounts = '{}', revoked = TRUE, revoked_at = NOW()
		WHERE origin = $1 AND revoked = FALSE
	`

	if _, err := r.store.pool.Exec(ctx, query, origin); err != nil {
		return fmt.Errorf("failed to revoke permission grant: %w", err)
	}

	return nil
}

// List returns every grant ordered by origin
func (r *PermissionRepository) List(ctx context.Context) ([]*types.PermissionGrant, error) {
	query := `
		SELECT origin, accounts, granted_at, revoked, revoked_at
		FROM permission_grants
		ORDER BY origin
	`

	rows, err := r.store.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission grants: %w", err)
	}
	defer rows.Close()

	var grants []*types.PermissionGrant
	for rows.Next() {
		g := &types.PermissionGrant{}
		if err := rows.Scan(&g.Origin, &g.Accounts, &g.GrantedAt, &g.Revoked, &g.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission grant: %w", err)
		}
		if g.Accounts == nil {
			g.Accounts = []string{}
		}
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("permission grant rows error: %w", err)
	}

	return grants, nil
}

var _ permission.Store = (*PermissionRepository)(nil)
