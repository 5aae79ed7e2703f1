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

const releaseColumns = `id, environment_id, bundle_version, status, variables,
	COALESCE(description, ''), COALESCE(document_sha, ''), rolled_back_from,
	COALESCE(created_by, ''), COALESCE(error, ''), created_at, activated_at, superseded_at`

func scanRelease(row interface{ Scan(dest ...any) error }) (*domain.Release, error) {
	var rel domain.Release
	err := row.Scan(
		&rel.ID,
		&rel.EnvironmentID,
		&rel.BundleVersion,
		&rel.Status,
		&rel.Variables,
		&rel.Description,
		&rel.DocumentSHA,
		&rel.RolledBackFrom,
		&rel.CreatedBy,
		&rel.Error,
		&rel.CreatedAt,
		&rel.ActivatedAt,
		&rel.SupersededAt,
	)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// CreateRelease inserts a pending release row.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release) error {
	const query = `INSERT INTO releases (id, environment_id, bundle_version, status, variables, description, rolled_back_from, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW()) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		release.ID,
		release.EnvironmentID,
		release.BundleVersion,
		release.Status,
		release.Variables,
		nilIfEmpty(release.Description),
		stringPtrToNil(release.RolledBackFrom),
		nilIfEmpty(release.CreatedBy),
	).Scan(&release.CreatedAt)
	if err != nil {
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
	return nil
}

// PromoteRelease activates a pending release and demotes the environment's
// current active release in the same transaction. The demoted release is
// returned when one existed. Promotion of a release that is no longer
// pending reports ErrConflict.
func (r *Repository) PromoteRelease(ctx context.Context, releaseID, documentSHA string, activatedAt time.Time) (*domain.Release, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const lockQuery = `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1 FOR UPDATE`
	pending, err := scanRelease(tx.QueryRow(ctx, lockQuery, releaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if pending.Status != domain.ReleaseStatusPending {
		return nil, repository.ErrConflict
	}

	// A rollback demotes the replaced release to rolled_back instead of
	// superseded, so history shows why it left service.
	demotedStatus := domain.ReleaseStatusSuperseded
	if pending.RolledBackFrom != nil {
		demotedStatus = domain.ReleaseStatusRolledBack
	}

	const demoteQuery = `UPDATE releases SET status = $2, superseded_at = $3
		WHERE environment_id = $1 AND status = 'active'
		RETURNING ` + releaseColumns
	var previous *domain.Release
	demoted, err := scanRelease(tx.QueryRow(ctx, demoteQuery, pending.EnvironmentID, demotedStatus, activatedAt))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		previous = demoted
	}

	const promoteQuery = `UPDATE releases
		SET status = 'active', document_sha = $2, activated_at = $3
		WHERE id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, promoteQuery, releaseID, documentSHA, activatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, repository.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return previous, nil
}

// FailRelease marks a pending release as failed with a cause.
func (r *Repository) FailRelease(ctx context.Context, releaseID, cause string) error {
	const query = `UPDATE releases SET status = 'failed', error = $2
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, releaseID, cause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetRelease(ctx, releaseID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// GetRelease fetches a release by identifier.
func (r *Repository) GetRelease(ctx context.Context, releaseID string) (*domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	rel, err := scanRelease(r.pool.QueryRow(ctx, query, releaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return nil, repository.ErrInvalidArgument
		}
		return nil, err
	}
	return rel, nil
}

// GetActiveRelease returns the environment's single active release.
func (r *Repository) GetActiveRelease(ctx context.Context, environmentID string) (*domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment_id = $1 AND status = 'active'`
	rel, err := scanRelease(r.pool.QueryRow(ctx, query, environmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rel, nil
}

// ListReleases pages through an environment's history, newest first. The
// cursor is exclusive: rows strictly older than it are returned.
func (r *Repository) ListReleases(ctx context.Context, environmentID string, before *repository.ReleaseCursor, limit int) ([]domain.Release, error) {
	if limit <= 0 {
		limit = 20
	}
	const baseQuery = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`
	const cursorQuery = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.pool.Query(ctx, baseQuery, environmentID, limit)
	} else {
		rows, err = r.pool.Query(ctx, cursorQuery, environmentID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	releases := make([]domain.Release, 0)
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *rel)
	}
	return releases, rows.Err()
}

// ListStalePendingReleases returns pending releases created before the cutoff.
func (r *Repository) ListStalePendingReleases(ctx context.Context, cutoff time.Time) ([]domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	releases := make([]domain.Release, 0)
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *rel)
	}
	return releases, rows.Err()
}

// CountReleasesByBundle counts release rows referencing a bundle version.
func (r *Repository) CountReleasesByBundle(ctx context.Context, version string) (int, error) {
	const query = `SELECT COUNT(1) FROM releases WHERE bundle_version = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, version).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteReleasesBefore prunes terminal release rows for an environment,
// keeping the newest keep rows when keep is positive and rows younger than
// maxAge when maxAge is positive.
func (r *Repository) DeleteReleasesBefore(ctx context.Context, environmentID string, keep int, maxAge time.Duration) (int64, error) {
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	const query = `WITH ranked AS (
			SELECT id, status, created_at,
				ROW_NUMBER() OVER (ORDER BY created_at DESC, id DESC) AS rn
			FROM releases WHERE environment_id = $1
		)
		DELETE FROM releases WHERE id IN (
			SELECT id FROM ranked
			WHERE status IN ('superseded', 'rolled_back', 'failed')
			  AND ($2 = 0 OR rn > $2)
			  AND ($3::timestamptz IS NULL OR created_at < $3)
		)`
	tag, err := r.pool.Exec(ctx, query, environmentID, keep, nilTime(cutoff))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertReleaseAudit appends an audit row.
func (r *Repository) InsertReleaseAudit(ctx context.Context, audit *domain.ReleaseAudit) error {
	const query = `INSERT INTO release_audits (environment_id, release_id, actor, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		audit.EnvironmentID,
		stringPtrToNil(audit.ReleaseID),
		nilIfEmpty(audit.Actor),
		audit.Action,
		bytesToNil(audit.Metadata),
	).Scan(&audit.ID, &audit.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// ListReleaseAudits fetches recent audit rows for an environment.
func (r *Repository) ListReleaseAudits(ctx context.Context, environmentID string, limit int) ([]domain.ReleaseAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, environment_id, release_id, COALESCE(actor, ''), action, metadata, created_at
		FROM release_audits WHERE environment_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := make([]domain.ReleaseAudit, 0)
	for rows.Next() {
		var a domain.ReleaseAudit
		if err := rows.Scan(&a.ID, &a.EnvironmentID, &a.ReleaseID, &a.Actor, &a.Action, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
