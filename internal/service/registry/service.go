// Package registry owns the release ledger: every attempt to bind a bundle
// to an environment is recorded here and moves through
// pending -> active -> superseded/rolled_back, or pending -> failed.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

// Audit actions recorded against the release ledger.
const (
	AuditReleaseBegin   = "release.begin"
	AuditReleasePromote = "release.promote"
	AuditReleaseFail    = "release.fail"
	AuditRetentionSweep = "retention.sweep"
)

// Service records release attempts and their outcomes.
type Service struct {
	releases repository.ReleaseRepository
	logger   *slog.Logger
}

// New constructs a registry service.
func New(releases repository.ReleaseRepository, logger *slog.Logger) Service {
	return Service{releases: releases, logger: logger}
}

// Begin records a new pending release. The release receives an identifier
// and enters the ledger before any observable deploy work starts, so a
// crash mid-release leaves an explicit pending record.
func (s Service) Begin(ctx context.Context, release *domain.Release) error {
	if release.ID == "" {
		release.ID = uuid.NewString()
	}
	release.Status = domain.ReleaseStatusPending
	if err := s.releases.CreateRelease(ctx, release); err != nil {
		return err
	}
	s.audit(ctx, release.EnvironmentID, release.ID, release.CreatedBy, AuditReleaseBegin, map[string]string{
		"bundle_version": release.BundleVersion,
	})
	return nil
}

// Promote activates a pending release and returns the promoted record along
// with the release it demoted, if any. A release that is no longer pending
// cannot be promoted; that reports repository.ErrConflict.
func (s Service) Promote(ctx context.Context, releaseID, documentSHA string) (promoted, demoted *domain.Release, err error) {
	demoted, err = s.releases.PromoteRelease(ctx, releaseID, documentSHA, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	promoted, err = s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, nil, err
	}
	meta := map[string]string{"bundle_version": promoted.BundleVersion}
	if demoted != nil {
		meta["demoted_release"] = demoted.ID
		meta["demoted_status"] = demoted.Status
	}
	s.audit(ctx, promoted.EnvironmentID, promoted.ID, promoted.CreatedBy, AuditReleasePromote, meta)
	return promoted, demoted, nil
}

// Fail marks a pending release as permanently failed.
func (s Service) Fail(ctx context.Context, releaseID, cause string) error {
	if err := s.releases.FailRelease(ctx, releaseID, cause); err != nil {
		return err
	}
	release, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	s.audit(ctx, release.EnvironmentID, release.ID, release.CreatedBy, AuditReleaseFail, map[string]string{
		"bundle_version": release.BundleVersion,
		"cause":          cause,
	})
	return nil
}

// Active returns the environment's single active release.
func (s Service) Active(ctx context.Context, environmentID string) (*domain.Release, error) {
	return s.releases.GetActiveRelease(ctx, environmentID)
}

// Get returns one release by identifier.
func (s Service) Get(ctx context.Context, releaseID string) (*domain.Release, error) {
	return s.releases.GetRelease(ctx, releaseID)
}

// CountForBundle reports how many releases ever referenced a bundle.
func (s Service) CountForBundle(ctx context.Context, version string) (int, error) {
	return s.releases.CountReleasesByBundle(ctx, version)
}

// Audits returns recent ledger activity for an environment.
func (s Service) Audits(ctx context.Context, environmentID string, limit int) ([]domain.ReleaseAudit, error) {
	return s.releases.ListReleaseAudits(ctx, environmentID, limit)
}

func (s Service) audit(ctx context.Context, environmentID, releaseID, actor, action string, meta map[string]string) {
	var metadata []byte
	if len(meta) > 0 {
		metadata, _ = json.Marshal(meta)
	}
	entry := &domain.ReleaseAudit{
		EnvironmentID: environmentID,
		ReleaseID:     &releaseID,
		Actor:         actor,
		Action:        action,
		Metadata:      metadata,
	}
	if err := s.releases.InsertReleaseAudit(ctx, entry); err != nil {
		s.logger.Warn("failed to record release audit", "action", action, "release_id", releaseID, "error", err)
	}
}
