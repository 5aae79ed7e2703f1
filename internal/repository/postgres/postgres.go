package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.BundleRepository      = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
	_ repository.ReleaseRepository     = (*Repository)(nil)
)

// CreateEnvironment inserts a deployment target.
func (r *Repository) CreateEnvironment(ctx context.Context, environment *domain.Environment) error {
	const query = `INSERT INTO environments (id, slug, name, protected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		environment.ID,
		environment.Slug,
		environment.Name,
		environment.Protected,
	).Scan(&environment.CreatedAt, &environment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// UpdateEnvironment mutates environment metadata.
func (r *Repository) UpdateEnvironment(ctx context.Context, environment *domain.Environment) error {
	const query = `UPDATE environments
		SET slug = $2,
			name = $3,
			protected = $4,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query,
		environment.ID,
		environment.Slug,
		environment.Name,
		environment.Protected,
	).Scan(&environment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetEnvironmentBySlug fetches an environment by its slug.
func (r *Repository) GetEnvironmentBySlug(ctx context.Context, slug string) (*domain.Environment, error) {
	const query = `SELECT id, slug, name, protected, created_at, updated_at
		FROM environments WHERE slug = $1`
	return r.getEnvironment(ctx, query, slug)
}

// GetEnvironmentByID fetches an environment by identifier.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	const query = `SELECT id, slug, name, protected, created_at, updated_at
		FROM environments WHERE id = $1`
	return r.getEnvironment(ctx, query, id)
}

func (r *Repository) getEnvironment(ctx context.Context, query, arg string) (*domain.Environment, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	var env domain.Environment
	if err := row.Scan(&env.ID, &env.Slug, &env.Name, &env.Protected, &env.CreatedAt, &env.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &env, nil
}

// ListEnvironments enumerates every deployment target.
func (r *Repository) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	const query = `SELECT id, slug, name, protected, created_at, updated_at
		FROM environments ORDER BY slug ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	environments := make([]domain.Environment, 0)
	for rows.Next() {
		var env domain.Environment
		if err := rows.Scan(&env.ID, &env.Slug, &env.Name, &env.Protected, &env.CreatedAt, &env.UpdatedAt); err != nil {
			return nil, err
		}
		environments = append(environments, env)
	}
	return environments, rows.Err()
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
