package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog provides read-only access to the baseline assignments table.
// Rows are written exclusively by the deployment/migration process.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog constructs a Catalog backed by the provided pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// Get returns the baseline grant for (role, key). found is false when no
// row exists, which callers must treat as not granted.
func (c *Catalog) Get(ctx context.Context, role Role, key PermissionKey) (bool, bool, error) {
	var granted bool
	err := c.pool.QueryRow(ctx,
		`SELECT granted FROM baseline_assignments WHERE role=$1 AND permission_key=$2`,
		string(role), string(key)).Scan(&granted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return granted, true, nil
}

// ListRole returns every baseline assignment known for a role.
func (c *Catalog) ListRole(ctx context.Context, role Role) (map[PermissionKey]bool, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT permission_key, granted FROM baseline_assignments WHERE role=$1`,
		string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	grants := make(map[PermissionKey]bool)
	for rows.Next() {
		var key string
		var granted bool
		if err := rows.Scan(&key, &granted); err != nil {
			return nil, err
		}
		grants[PermissionKey(key)] = granted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// ListKeys returns every permission key present in the catalog, sorted.
func (c *Catalog) ListKeys(ctx context.Context) ([]PermissionKey, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT DISTINCT permission_key FROM baseline_assignments ORDER BY permission_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []PermissionKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, PermissionKey(key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
