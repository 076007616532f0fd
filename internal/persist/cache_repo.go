package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citizenfx/fxcore/internal/cache"
	"github.com/jackc/pgx/v5"
)

type CacheRow struct {
	Entry     cache.Entry
	LocalPath string
	FetchedAt time.Time
}

// CacheRepo indexes fetched cache content by reference hash.
type CacheRepo struct {
	db *DB
}

func NewCacheRepo(db *DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// Record upserts the entry fetched to localPath.
func (r *CacheRepo) Record(ctx context.Context, e cache.Entry, localPath string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO cache_entries (reference_hash, resource_name, base_name, remote_url, size, local_path, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (reference_hash) DO UPDATE SET
		     resource_name = EXCLUDED.resource_name,
		     base_name     = EXCLUDED.base_name,
		     remote_url    = EXCLUDED.remote_url,
		     size          = EXCLUDED.size,
		     local_path    = EXCLUDED.local_path,
		     fetched_at    = NOW()`,
		e.ReferenceHash, e.ResourceName, e.BaseName, e.RemoteURL, e.Size, localPath,
	)
	if err != nil {
		return fmt.Errorf("record cache entry %s: %w", e.ReferenceHash, err)
	}
	return nil
}

// Lookup returns the row for hash, or nil if it was never recorded.
func (r *CacheRepo) Lookup(ctx context.Context, hash string) (*CacheRow, error) {
	row := &CacheRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT reference_hash, resource_name, base_name, remote_url, size, local_path, fetched_at
		 FROM cache_entries WHERE reference_hash = $1`, hash,
	).Scan(
		&row.Entry.ReferenceHash, &row.Entry.ResourceName, &row.Entry.BaseName,
		&row.Entry.RemoteURL, &row.Entry.Size, &row.LocalPath, &row.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ForResource lists the recorded entries of one resource.
func (r *CacheRepo) ForResource(ctx context.Context, resourceName string) ([]cache.Entry, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT reference_hash, resource_name, base_name, remote_url, size
		 FROM cache_entries WHERE resource_name = $1 ORDER BY base_name`, resourceName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var e cache.Entry
		if err := rows.Scan(&e.ReferenceHash, &e.ResourceName, &e.BaseName, &e.RemoteURL, &e.Size); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ cache.Index = (*CacheRepo)(nil)
