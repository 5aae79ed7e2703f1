// Package environment manages the deployment targets that releases bind
// bundles to.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

var slugExpr = regexp.MustCompile(`[^a-z0-9-]+`)

const maxSlugLength = 63

// Audit actions recorded for environment changes.
const (
	auditEnvironmentCreate = "environment.create"
	auditEnvironmentUpdate = "environment.update"
)

// AuditRecorder appends audit rows for environment changes.
type AuditRecorder interface {
	InsertReleaseAudit(ctx context.Context, audit *domain.ReleaseAudit) error
}

// Service coordinates environment lifecycle operations.
type Service struct {
	envs   repository.EnvironmentRepository
	audits AuditRecorder
	logger *slog.Logger
}

// New constructs an environment service.
func New(envs repository.EnvironmentRepository, audits AuditRecorder, logger *slog.Logger) Service {
	return Service{envs: envs, audits: audits, logger: logger}
}

// CreateInput captures attributes for a new environment.
type CreateInput struct {
	Name      string
	Slug      string
	Protected bool
	Actor     string
}

// UpdateInput captures mutable environment fields. The slug addresses the
// environment and cannot change: released documents and history are keyed
// by it.
type UpdateInput struct {
	Slug      string
	Name      *string
	Protected *bool
	Actor     string
}

var (
	errNameRequired = fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	errSlugInvalid  = fmt.Errorf("%w: slug invalid", repository.ErrInvalidArgument)
)

// Create registers a new deployment target.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Environment, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errNameRequired
	}
	slug := NormalizeSlug(input.Slug)
	if slug == "" {
		slug = NormalizeSlug(name)
	}
	if slug == "" || len(slug) > maxSlugLength {
		return nil, errSlugInvalid
	}
	if _, err := s.envs.GetEnvironmentBySlug(ctx, slug); err == nil {
		return nil, fmt.Errorf("%w: slug %s already in use", repository.ErrConflict, slug)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	environment := &domain.Environment{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		Protected: input.Protected,
	}
	if err := s.envs.CreateEnvironment(ctx, environment); err != nil {
		return nil, err
	}
	s.audit(ctx, environment, input.Actor, auditEnvironmentCreate)
	s.logger.Info("environment created", "slug", environment.Slug, "protected", environment.Protected)
	return environment, nil
}

// Update mutates environment metadata.
func (s Service) Update(ctx context.Context, input UpdateInput) (*domain.Environment, error) {
	environment, err := s.Get(ctx, input.Slug)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			return nil, errNameRequired
		}
		environment.Name = trimmed
	}
	if input.Protected != nil {
		environment.Protected = *input.Protected
	}
	if err := s.envs.UpdateEnvironment(ctx, environment); err != nil {
		return nil, err
	}
	s.audit(ctx, environment, input.Actor, auditEnvironmentUpdate)
	return environment, nil
}

// Get returns one environment by slug.
func (s Service) Get(ctx context.Context, slug string) (*domain.Environment, error) {
	normalized := NormalizeSlug(slug)
	if normalized == "" {
		return nil, errSlugInvalid
	}
	return s.envs.GetEnvironmentBySlug(ctx, normalized)
}

// List enumerates every deployment target.
func (s Service) List(ctx context.Context) ([]domain.Environment, error) {
	return s.envs.ListEnvironments(ctx)
}

func (s Service) audit(ctx context.Context, environment *domain.Environment, actor, action string) {
	metadata, _ := json.Marshal(map[string]any{
		"slug":      environment.Slug,
		"protected": environment.Protected,
	})
	entry := &domain.ReleaseAudit{
		EnvironmentID: environment.ID,
		Actor:         actor,
		Action:        action,
		Metadata:      metadata,
	}
	if err := s.audits.InsertReleaseAudit(ctx, entry); err != nil {
		s.logger.Warn("failed to record environment audit", "action", action, "slug", environment.Slug, "error", err)
	}
}

// NormalizeSlug lowers, trims, and collapses a slug candidate so that every
// caller addresses environments the same way.
func NormalizeSlug(value string) string {
	base := strings.ToLower(strings.TrimSpace(value))
	if base == "" {
		return ""
	}
	base = strings.ReplaceAll(base, "_", "-")
	base = slugExpr.ReplaceAllString(base, "-")
	for strings.Contains(base, "--") {
		base = strings.ReplaceAll(base, "--", "-")
	}
	return strings.Trim(base, "-")
}
