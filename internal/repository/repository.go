package repository

import (
	"context"
	"time"

	"github.com/ImmutableWebApps/iwa/internal/domain"
)

// BundleRepository persists published bundles and their asset manifests.
type BundleRepository interface {
	CreateBundle(ctx context.Context, bundle *domain.Bundle, assets []domain.BundleAsset) error
	GetBundle(ctx context.Context, version string) (*domain.Bundle, error)
	ListBundles(ctx context.Context, limit, offset int) ([]domain.Bundle, error)
	ListBundleAssets(ctx context.Context, version string) ([]domain.BundleAsset, error)
	ListUnreleasedBundlesBefore(ctx context.Context, cutoff time.Time) ([]domain.Bundle, error)
	DeleteBundle(ctx context.Context, version string) error
}

// EnvironmentRepository persists deployment targets.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, environment *domain.Environment) error
	UpdateEnvironment(ctx context.Context, environment *domain.Environment) error
	GetEnvironmentBySlug(ctx context.Context, slug string) (*domain.Environment, error)
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// ReleaseRepository stores the release ledger for every environment.
type ReleaseRepository interface {
	CreateRelease(ctx context.Context, release *domain.Release) error
	PromoteRelease(ctx context.Context, releaseID, documentSHA string, activatedAt time.Time) (previous *domain.Release, err error)
	FailRelease(ctx context.Context, releaseID, cause string) error
	GetRelease(ctx context.Context, releaseID string) (*domain.Release, error)
	GetActiveRelease(ctx context.Context, environmentID string) (*domain.Release, error)
	ListReleases(ctx context.Context, environmentID string, before *ReleaseCursor, limit int) ([]domain.Release, error)
	ListStalePendingReleases(ctx context.Context, cutoff time.Time) ([]domain.Release, error)
	CountReleasesByBundle(ctx context.Context, version string) (int, error)
	DeleteReleasesBefore(ctx context.Context, environmentID string, keep int, maxAge time.Duration) (int64, error)
	InsertReleaseAudit(ctx context.Context, audit *domain.ReleaseAudit) error
	ListReleaseAudits(ctx context.Context, environmentID string, limit int) ([]domain.ReleaseAudit, error)
}

// ReleaseCursor marks a position in an environment's release history.
type ReleaseCursor struct {
	CreatedAt time.Time
	ID        string
}
