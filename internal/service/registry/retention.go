package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/service/publisher"
	"github.com/ImmutableWebApps/iwa/internal/storage"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

// Sweeper prunes old ledger rows, fails pending releases that never
// activated, and removes bundles nothing ever released. All pruning is
// opt-in through configuration; zero values keep records forever.
type Sweeper struct {
	registry     Service
	environments repository.EnvironmentRepository
	bundles      repository.BundleRepository
	releases     repository.ReleaseRepository
	store        storage.ObjectStore
	events       events.Service
	logger       *slog.Logger
	cfg          config.ServerConfig
	cron         *cron.Cron
}

// NewSweeper constructs the retention sweeper.
func NewSweeper(reg Service, environments repository.EnvironmentRepository, bundles repository.BundleRepository, store storage.ObjectStore, eventsSvc events.Service, logger *slog.Logger, cfg config.ServerConfig) *Sweeper {
	return &Sweeper{
		registry:     reg,
		environments: environments,
		bundles:      bundles,
		releases:     reg.releases,
		store:        store,
		events:       eventsSvc,
		logger:       logger,
		cfg:          cfg,
		cron:         cron.New(),
	}
}

// Start schedules the sweep jobs. Pending-release expiry runs every minute;
// retention runs on the configured cron schedule.
func (s *Sweeper) Start() error {
	if s.cfg.PendingReleaseTTL > 0 {
		if _, err := s.cron.AddFunc("@every 1m", func() {
			s.expireStalePending(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule pending expiry: %w", err)
		}
	}
	if s.retentionEnabled() {
		if _, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() {
			s.sweep(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) retentionEnabled() bool {
	return s.cfg.RetentionKeepReleases > 0 || s.cfg.RetentionMaxAge > 0
}

// expireStalePending fails pending releases older than the configured TTL.
// A pending release that old means the releaser crashed between Begin and
// the document swap, so the attempt never went live.
func (s *Sweeper) expireStalePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.PendingReleaseTTL)
	stale, err := s.releases.ListStalePendingReleases(ctx, cutoff)
	if err != nil {
		s.logger.Error("list stale pending releases", "error", err)
		return
	}
	for _, release := range stale {
		cause := "expired: not activated within " + s.cfg.PendingReleaseTTL.String()
		if err := s.registry.Fail(ctx, release.ID, cause); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Error("expire pending release", "release_id", release.ID, "error", err)
			}
			continue
		}
		s.logger.Warn("pending release expired", "release_id", release.ID, "bundle_version", release.BundleVersion)
		if env, err := s.environments.GetEnvironmentByID(ctx, release.EnvironmentID); err == nil {
			s.events.ReleaseFailed(env.Slug, release.BundleVersion, release.ID, cause)
		}
	}
}

// sweep applies release-row retention per environment and removes unreleased
// bundles past the age limit.
func (s *Sweeper) sweep(ctx context.Context) {
	environments, err := s.environments.ListEnvironments(ctx)
	if err != nil {
		s.logger.Error("list environments for retention", "error", err)
		return
	}
	for _, env := range environments {
		deleted, err := s.releases.DeleteReleasesBefore(ctx, env.ID, s.cfg.RetentionKeepReleases, s.cfg.RetentionMaxAge)
		if err != nil {
			s.logger.Error("prune release history", "environment", env.Slug, "error", err)
			continue
		}
		if deleted > 0 {
			s.logger.Info("pruned release history", "environment", env.Slug, "deleted", deleted)
			s.auditSweep(ctx, env.ID, deleted)
		}
	}
	if s.cfg.RetentionMaxAge > 0 {
		s.removeUnreleasedBundles(ctx)
	}
}

func (s *Sweeper) auditSweep(ctx context.Context, environmentID string, deleted int64) {
	metadata, _ := json.Marshal(map[string]string{"deleted": strconv.FormatInt(deleted, 10)})
	entry := &domain.ReleaseAudit{
		EnvironmentID: environmentID,
		Actor:         "retention",
		Action:        AuditRetentionSweep,
		Metadata:      metadata,
	}
	if err := s.releases.InsertReleaseAudit(ctx, entry); err != nil {
		s.logger.Warn("failed to record retention audit", "error", err)
	}
}

func (s *Sweeper) removeUnreleasedBundles(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionMaxAge)
	bundles, err := s.bundles.ListUnreleasedBundlesBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("list unreleased bundles", "error", err)
		return
	}
	for _, bundle := range bundles {
		assets, err := s.bundles.ListBundleAssets(ctx, bundle.Version)
		if err != nil {
			s.logger.Error("list bundle assets for cleanup", "version", bundle.Version, "error", err)
			continue
		}
		// Remove the row first: the foreign key guarantees no release can
		// reference the bundle afterwards, so deleting objects is safe.
		if err := s.bundles.DeleteBundle(ctx, bundle.Version); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Error("delete bundle row", "version", bundle.Version, "error", err)
			}
			continue
		}
		for _, asset := range assets {
			if err := s.store.Delete(ctx, publisher.AssetKey(bundle.Version, asset.Path)); err != nil {
				s.logger.Warn("delete bundle asset object", "version", bundle.Version, "path", asset.Path, "error", err)
			}
		}
		if err := s.store.Delete(ctx, publisher.ManifestKey(bundle.Version)); err != nil {
			s.logger.Warn("delete bundle manifest object", "version", bundle.Version, "error", err)
		}
		s.logger.Info("removed unreleased bundle", "version", bundle.Version, "published_at", bundle.PublishedAt)
	}
}
