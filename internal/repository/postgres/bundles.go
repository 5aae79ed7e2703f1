package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

// CreateBundle stores a bundle and its asset manifest in one transaction.
func (r *Repository) CreateBundle(ctx context.Context, bundle *domain.Bundle, assets []domain.BundleAsset) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const bundleInsert = `INSERT INTO bundles (version, digest, tag, total_bytes, var_names, entrypoints, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING published_at`
	if err := tx.QueryRow(ctx, bundleInsert,
		bundle.Version,
		bundle.Digest,
		nilIfEmpty(bundle.Tag),
		bundle.TotalBytes,
		bundle.VarNames,
		bundle.Entrypoints,
	).Scan(&bundle.PublishedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}

	if len(assets) > 0 {
		const assetInsert = `INSERT INTO bundle_assets (bundle_version, path, sha256, size_bytes, content_type)
			VALUES ($1, $2, $3, $4, $5)`
		batch := &pgx.Batch{}
		for _, asset := range assets {
			batch.Queue(assetInsert,
				bundle.Version,
				asset.Path,
				asset.SHA256,
				asset.SizeBytes,
				asset.ContentType,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range assets {
			if _, err := br.Exec(); err != nil {
				br.Close()
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) {
					switch pgErr.Code {
					case "23503":
						return repository.ErrNotFound
					case "23505", "23514", "22P02":
						return repository.ErrInvalidArgument
					}
				}
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetBundle fetches a bundle by version.
func (r *Repository) GetBundle(ctx context.Context, version string) (*domain.Bundle, error) {
	const query = `SELECT version, digest, COALESCE(tag, ''), total_bytes, var_names, entrypoints, published_at
		FROM bundles WHERE version = $1`
	row := r.pool.QueryRow(ctx, query, version)
	var b domain.Bundle
	if err := row.Scan(&b.Version, &b.Digest, &b.Tag, &b.TotalBytes, &b.VarNames, &b.Entrypoints, &b.PublishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListBundles enumerates bundles, newest first.
func (r *Repository) ListBundles(ctx context.Context, limit, offset int) ([]domain.Bundle, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT version, digest, COALESCE(tag, ''), total_bytes, var_names, entrypoints, published_at
		FROM bundles ORDER BY published_at DESC, version DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bundles := make([]domain.Bundle, 0)
	for rows.Next() {
		var b domain.Bundle
		if err := rows.Scan(&b.Version, &b.Digest, &b.Tag, &b.TotalBytes, &b.VarNames, &b.Entrypoints, &b.PublishedAt); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// ListBundleAssets returns the asset manifest for a bundle.
func (r *Repository) ListBundleAssets(ctx context.Context, version string) ([]domain.BundleAsset, error) {
	const query = `SELECT bundle_version, path, sha256, size_bytes, content_type
		FROM bundle_assets WHERE bundle_version = $1 ORDER BY path ASC`
	rows, err := r.pool.Query(ctx, query, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets := make([]domain.BundleAsset, 0)
	for rows.Next() {
		var a domain.BundleAsset
		if err := rows.Scan(&a.BundleVersion, &a.Path, &a.SHA256, &a.SizeBytes, &a.ContentType); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ListUnreleasedBundlesBefore returns bundles published before the cutoff
// that no release has ever referenced.
func (r *Repository) ListUnreleasedBundlesBefore(ctx context.Context, cutoff time.Time) ([]domain.Bundle, error) {
	const query = `SELECT b.version, b.digest, COALESCE(b.tag, ''), b.total_bytes, b.var_names, b.entrypoints, b.published_at
		FROM bundles b
		WHERE b.published_at < $1
		  AND NOT EXISTS (SELECT 1 FROM releases r WHERE r.bundle_version = b.version)
		ORDER BY b.published_at ASC`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bundles := make([]domain.Bundle, 0)
	for rows.Next() {
		var b domain.Bundle
		if err := rows.Scan(&b.Version, &b.Digest, &b.Tag, &b.TotalBytes, &b.VarNames, &b.Entrypoints, &b.PublishedAt); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// DeleteBundle removes a bundle and its assets. Bundles referenced by any
// release are protected by a foreign key and report a conflict.
func (r *Repository) DeleteBundle(ctx context.Context, version string) error {
	const query = `DELETE FROM bundles WHERE version = $1`
	tag, err := r.pool.Exec(ctx, query, version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
