package httpx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

// Response payloads are built by hand so the wire format stays stable even
// when domain structs grow fields.

func marshalBundle(b *domain.Bundle) map[string]any {
	return map[string]any{
		"version":      b.Version,
		"digest":       b.Digest,
		"tag":          b.Tag,
		"total_bytes":  b.TotalBytes,
		"var_names":    b.VarNames,
		"entrypoints":  b.Entrypoints,
		"published_at": b.PublishedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalBundles(bundles []domain.Bundle) []map[string]any {
	payload := make([]map[string]any, 0, len(bundles))
	for i := range bundles {
		payload = append(payload, marshalBundle(&bundles[i]))
	}
	return payload
}

func marshalBundleAsset(a domain.BundleAsset) map[string]any {
	return map[string]any{
		"path":         a.Path,
		"sha256":       a.SHA256,
		"size_bytes":   a.SizeBytes,
		"content_type": a.ContentType,
	}
}

func marshalEnvironment(e *domain.Environment) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"slug":       e.Slug,
		"name":       e.Name,
		"protected":  e.Protected,
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalRelease(r *domain.Release) map[string]any {
	payload := map[string]any{
		"id":             r.ID,
		"environment_id": r.EnvironmentID,
		"bundle_version": r.BundleVersion,
		"status":         r.Status,
		"variables":      r.Variables,
		"description":    r.Description,
		"created_by":     r.CreatedBy,
		"created_at":     r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.DocumentSHA != "" {
		payload["document_sha"] = r.DocumentSHA
	}
	if r.RolledBackFrom != nil {
		payload["rolled_back_from"] = *r.RolledBackFrom
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	if r.ActivatedAt != nil {
		payload["activated_at"] = r.ActivatedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.SupersededAt != nil {
		payload["superseded_at"] = r.SupersededAt.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

func marshalReleases(releases []domain.Release) []map[string]any {
	payload := make([]map[string]any, 0, len(releases))
	for i := range releases {
		payload = append(payload, marshalRelease(&releases[i]))
	}
	return payload
}

// encodeCursor serializes a history position for the next_before query param.
func encodeCursor(c *repository.ReleaseCursor) string {
	if c == nil {
		return ""
	}
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "," + c.ID
}

func decodeCursor(raw string) (*repository.ReleaseCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	stamp, id, ok := strings.Cut(raw, ",")
	if !ok || id == "" {
		return nil, errors.New("cursor must be <created_at>,<release_id>")
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return nil, fmt.Errorf("cursor timestamp: %w", err)
	}
	return &repository.ReleaseCursor{CreatedAt: ts, ID: id}, nil
}
