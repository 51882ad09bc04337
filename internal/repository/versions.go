package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoreVersion is the per-tenant counter bumped by every order or payment
// mutation. Dashboards compare it to discard stale optimistic state.
type StoreVersion struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type VersionRepository struct {
	db *sql.DB
}

// Bump increments the tenant's version and returns the new value. Inside tx it
// holds the tenant's version row until commit, so writers of one tenant
// serialize on it; keep those transactions short.
func (r *VersionRepository) Bump(ctx context.Context, tx *sql.Tx, tenantID string, at time.Time) (int64, error) {
	query := `INSERT INTO store_versions (tenant_id, version, updated_at) VALUES ($1, 1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET
			version = store_versions.version + 1, updated_at = excluded.updated_at
		RETURNING version`

	var v int64
	if err := pick(r.db, tx).QueryRowContext(ctx, query, tenantID, toNanos(at)).Scan(&v); err != nil {
		return 0, fmt.Errorf("bump store version for %s: %w", tenantID, err)
	}
	return v, nil
}

// Get returns the zero version for a tenant that never wrote anything.
func (r *VersionRepository) Get(ctx context.Context, tenantID string) (StoreVersion, error) {
	query := `SELECT version, updated_at FROM store_versions WHERE tenant_id = $1`

	var (
		v  StoreVersion
		at int64
	)
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&v.Version, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return StoreVersion{}, nil
	}
	if err != nil {
		return StoreVersion{}, fmt.Errorf("get store version for %s: %w", tenantID, err)
	}
	v.UpdatedAt = fromNanos(at)
	return v, nil
}
