// Package release swaps environment entry documents to deploy published
// bundles. The document swap is the commit point of a release; everything
// before it can fail safely and everything after it must complete.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
	"github.com/ImmutableWebApps/iwa/internal/service/environment"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/service/registry"
	"github.com/ImmutableWebApps/iwa/internal/storage"
)

// Service releases published bundles to environments by rendering and
// swapping their entry documents.
type Service struct {
	environments repository.EnvironmentRepository
	bundles      repository.BundleRepository
	registry     registry.Service
	documents    storage.ObjectStore
	locker       Locker
	events       events.Service
	logger       *slog.Logger
	baseURL      string
}

// New constructs a release service. baseURL is the public prefix under which
// bundle assets are served.
func New(
	environments repository.EnvironmentRepository,
	bundles repository.BundleRepository,
	reg registry.Service,
	documents storage.ObjectStore,
	locker Locker,
	eventsSvc events.Service,
	logger *slog.Logger,
	baseURL string,
) Service {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return Service{
		environments: environments,
		bundles:      bundles,
		registry:     reg,
		documents:    documents,
		locker:       locker,
		events:       eventsSvc,
		logger:       logger,
		baseURL:      baseURL,
	}
}

// ReleaseInput describes one release attempt.
type ReleaseInput struct {
	EnvironmentSlug string
	BundleVersion   string
	Variables       map[string]any
	Description     string
	Actor           string
	// Confirmed must be true to release to a protected environment.
	Confirmed bool
	// RollbackOf names the release record whose inputs are being restored.
	// Rollback sets it; direct callers normally leave it empty.
	RollbackOf string
}

// Release binds a published bundle to an environment. It records a pending
// release, renders the entry document, swaps it into the environment's
// serving location, and promotes the record to active. The swap is atomic:
// visitors see either the previous document or the new one, never a mix.
func (s Service) Release(ctx context.Context, input ReleaseInput) (*domain.Release, error) {
	slug := normalizeSlug(input.EnvironmentSlug)
	env, err := s.environments.GetEnvironmentBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if env.Protected && !input.Confirmed {
		return nil, ErrProtectedEnvironment
	}

	bundle, err := s.bundles.GetBundle(ctx, input.BundleVersion)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", input.BundleVersion, ErrUnknownBundleVersion)
	}
	if err != nil {
		return nil, err
	}
	if err := validateVariables(bundle.VarNames, input.Variables); err != nil {
		return nil, err
	}

	var rollbackOf *string
	if input.RollbackOf != "" {
		if err := s.validateRollbackTarget(ctx, env, input.RollbackOf); err != nil {
			return nil, err
		}
		rollbackOf = &input.RollbackOf
	}

	unlock, err := s.locker.Acquire(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rel := &domain.Release{
		EnvironmentID:  env.ID,
		BundleVersion:  bundle.Version,
		Variables:      input.Variables,
		Description:    input.Description,
		RolledBackFrom: rollbackOf,
		CreatedBy:      input.Actor,
	}
	if err := s.registry.Begin(ctx, rel); err != nil {
		return nil, fmt.Errorf("record pending release: %w", err)
	}
	s.events.ReleasePending(slug, bundle.Version, rel.ID)

	document, sha, err := RenderDocument(s.baseURL, env, bundle, rel.ID, input.Variables, time.Now())
	if err != nil {
		return nil, s.fail(ctx, slug, rel, err)
	}

	err = s.documents.Put(ctx, DocumentKey(slug), bytes.NewReader(document), storage.PutOptions{
		ContentType:  "text/html; charset=utf-8",
		CacheControl: NoStoreCacheControl,
		SHA256:       sha,
	})
	if err != nil {
		return nil, s.fail(ctx, slug, rel, fmt.Errorf("document swap: %w", err))
	}

	// The document is live. From here on the release must complete even if
	// the caller goes away, so bookkeeping runs on an uncancellable context.
	bg := context.WithoutCancel(ctx)
	promoted, demoted, err := s.registry.Promote(bg, rel.ID, sha)
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.concurrentConflict(bg, env, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("promote release %s: %w", rel.ID, err)
	}

	if rollbackOf != nil {
		s.events.ReleaseRolledBack(slug, bundle.Version, promoted.ID)
	} else {
		s.events.ReleaseActivated(slug, bundle.Version, promoted.ID)
	}
	attrs := []any{"environment", slug, "bundle_version", bundle.Version, "release_id", promoted.ID}
	if demoted != nil {
		attrs = append(attrs, "superseded_release", demoted.ID, "superseded_status", demoted.Status)
	}
	s.logger.Info("release activated", attrs...)
	return promoted, nil
}

// RollbackInput selects a prior release to restore. Exactly one of ToRelease
// and BundleVersion may be set; with neither, the most recent previously
// active release is restored.
type RollbackInput struct {
	EnvironmentSlug string
	// ToRelease restores one specific release record.
	ToRelease string
	// BundleVersion restores the most recent release that served it.
	BundleVersion string
	Description   string
	Actor         string
	Confirmed     bool
}

// Rollback re-releases a previously recorded bundle version with its
// recorded variables. It is the forward release path with historical inputs,
// so it carries the same atomicity: the swap either happens or it does not.
func (s Service) Rollback(ctx context.Context, input RollbackInput) (*domain.Release, error) {
	if input.ToRelease != "" && input.BundleVersion != "" {
		return nil, fmt.Errorf("rollback target is ambiguous, give a release or a bundle version, not both: %w", ErrValidation)
	}
	slug := normalizeSlug(input.EnvironmentSlug)
	env, err := s.environments.GetEnvironmentBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	target, err := s.resolveRollbackTarget(ctx, env, input.ToRelease, input.BundleVersion)
	if err != nil {
		return nil, err
	}

	description := input.Description
	if description == "" {
		description = "rollback to " + target.BundleVersion
	}
	return s.Release(ctx, ReleaseInput{
		EnvironmentSlug: slug,
		BundleVersion:   target.BundleVersion,
		Variables:       target.Variables,
		Description:     description,
		Actor:           input.Actor,
		Confirmed:       input.Confirmed,
		RollbackOf:      target.ID,
	})
}

// resolveRollbackTarget finds the release record whose inputs a rollback
// should restore.
func (s Service) resolveRollbackTarget(ctx context.Context, env *domain.Environment, toRelease, bundleVersion string) (*domain.Release, error) {
	active, err := s.registry.Active(ctx, env.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if toRelease != "" {
		target, err := s.registry.Get(ctx, toRelease)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("release %s not found: %w", toRelease, ErrValidation)
		}
		if err != nil {
			return nil, err
		}
		if active != nil && target.ID == active.ID {
			return nil, fmt.Errorf("release %s is already active: %w", toRelease, ErrValidation)
		}
		return target, nil
	}

	it := s.registry.History(env.ID, 0)
	for it.Next(ctx) {
		rec := it.Release()
		if rec.ActivatedAt == nil {
			continue
		}
		if active != nil && rec.ID == active.ID {
			continue
		}
		if bundleVersion != "" && rec.BundleVersion != bundleVersion {
			continue
		}
		return &rec, nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if bundleVersion != "" {
		return nil, fmt.Errorf("no release ever served %s: %w", bundleVersion, ErrNoPriorRelease)
	}
	return nil, ErrNoPriorRelease
}

// validateRollbackTarget checks that a caller-supplied rollback linkage
// points at a release of the same environment that actually went live.
func (s Service) validateRollbackTarget(ctx context.Context, env *domain.Environment, releaseID string) error {
	target, err := s.registry.Get(ctx, releaseID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("release %s not found: %w", releaseID, ErrValidation)
	}
	if err != nil {
		return err
	}
	if target.EnvironmentID != env.ID {
		return fmt.Errorf("release %s belongs to another environment: %w", releaseID, ErrValidation)
	}
	if target.ActivatedAt == nil {
		return fmt.Errorf("release %s never activated: %w", releaseID, ErrValidation)
	}
	return nil
}

// Active returns the environment's currently active release.
func (s Service) Active(ctx context.Context, environmentSlug string) (*domain.Release, error) {
	env, err := s.environments.GetEnvironmentBySlug(ctx, normalizeSlug(environmentSlug))
	if err != nil {
		return nil, err
	}
	return s.registry.Active(ctx, env.ID)
}

// History pages through an environment's release records newest first.
func (s Service) History(ctx context.Context, environmentSlug string, before *repository.ReleaseCursor, limit int) ([]domain.Release, *repository.ReleaseCursor, error) {
	env, err := s.environments.GetEnvironmentBySlug(ctx, normalizeSlug(environmentSlug))
	if err != nil {
		return nil, nil, err
	}
	return s.registry.Page(ctx, env.ID, before, limit)
}

// fail marks the release failed and announces it, naming the record that
// keeps the environment. Bookkeeping runs on an uncancellable context so a
// departing caller cannot leave the record pending forever.
func (s Service) fail(ctx context.Context, slug string, rel *domain.Release, cause error) error {
	bg := context.WithoutCancel(ctx)
	if err := s.registry.Fail(bg, rel.ID, cause.Error()); err != nil {
		s.logger.Warn("failed to mark release failed", "release_id", rel.ID, "cause", cause.Error(), "error", err)
	}
	s.events.ReleaseFailed(slug, rel.BundleVersion, rel.ID, cause.Error())

	if active, err := s.registry.Active(bg, rel.EnvironmentID); err == nil {
		s.logger.Error("release failed", "environment", slug, "release_id", rel.ID, "kept_release", active.ID, "error", cause)
		return fmt.Errorf("release %s failed to supersede %s: %w", rel.ID, active.ID, cause)
	}
	s.logger.Error("release failed", "environment", slug, "release_id", rel.ID, "error", cause)
	return fmt.Errorf("release %s failed: %w", rel.ID, cause)
}

// concurrentConflict builds the error for a promote that lost its race,
// naming the record that holds the environment when it can be read.
func (s Service) concurrentConflict(ctx context.Context, env *domain.Environment, rel *domain.Release) error {
	current, err := s.registry.Active(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("release %s was not pending anymore: %w", rel.ID, ErrConcurrentRelease)
	}
	return fmt.Errorf("release %s lost to active release %s: %w", rel.ID, current.ID, ErrConcurrentRelease)
}

func normalizeSlug(slug string) string {
	return environment.NormalizeSlug(slug)
}

// validateVariables checks the supplied variables against the names the
// bundle declared at publish time. Every declared name must be present,
// no undeclared name may appear, and values must be flat scalars.
func validateVariables(declared []string, vars map[string]any) error {
	var missing []string
	for _, name := range declared {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("variables missing declared names %s: %w", strings.Join(missing, ", "), ErrValidation)
	}

	known := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		known[name] = struct{}{}
	}
	var extra []string
	for name, value := range vars {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
			continue
		}
		if !scalarValue(value) {
			return fmt.Errorf("variable %s has a non-scalar value: %w", name, ErrValidation)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("variables not declared by the bundle: %s: %w", strings.Join(extra, ", "), ErrValidation)
	}
	return nil
}

func scalarValue(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64, json.Number:
		return true
	}
	return false
}
