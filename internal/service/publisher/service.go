package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/storage"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

// Assets are immutable once published, so clients may cache them forever.
const ImmutableCacheControl = "public, max-age=31536000, immutable"

const uploadConcurrency = 8

// Service publishes built asset directories as immutable versioned bundles.
type Service struct {
	bundles  repository.BundleRepository
	store    storage.ObjectStore
	events   events.Service
	logger   *slog.Logger
	policy   *policy
	maxBytes int64
}

// New returns a publisher service. Forbidden patterns from configuration are
// compiled once and applied to every publish.
func New(bundles repository.BundleRepository, store storage.ObjectStore, eventsSvc events.Service, logger *slog.Logger, cfg config.ServerConfig) (Service, error) {
	pol, err := compilePolicy(cfg.PolicyPatterns)
	if err != nil {
		return Service{}, err
	}
	return Service{
		bundles:  bundles,
		store:    store,
		events:   eventsSvc,
		logger:   logger,
		policy:   pol,
		maxBytes: cfg.PublishMaxBytes,
	}, nil
}

// PublishInput describes one publish attempt of a staged asset directory.
type PublishInput struct {
	Root        string
	Tag         string
	Entrypoints []string
	VarNames    []string
	Patterns    []string
	Actor       string
}

// Publish validates, fingerprints, and uploads the staged assets, then
// records the bundle. Publishing identical content under an existing version
// succeeds without re-writing anything and reports created=false; the same
// version with different content reports ErrVersionCollision.
func (s Service) Publish(ctx context.Context, input PublishInput) (bundle *domain.Bundle, created bool, err error) {
	if err := validateTag(input.Tag); err != nil {
		return nil, false, err
	}
	if err := validateVarNames(input.VarNames); err != nil {
		return nil, false, err
	}
	var entrypoints []string
	if len(input.Entrypoints) > 0 {
		entrypoints, err = normalizeEntrypoints(input.Entrypoints)
		if err != nil {
			return nil, false, err
		}
	}
	extra, err := compilePolicy(input.Patterns)
	if err != nil {
		return nil, false, err
	}

	assets, err := s.collectAssets(ctx, input.Root, extra)
	if err != nil {
		return nil, false, err
	}
	if len(entrypoints) == 0 {
		entrypoints = defaultEntrypoints(assets)
		if len(entrypoints) == 0 {
			return nil, false, fmt.Errorf("%w: no entrypoints supplied and no .css or .js assets to default to", ErrValidation)
		}
	}
	byPath := make(map[string]domain.BundleAsset, len(assets))
	var totalBytes int64
	for _, asset := range assets {
		byPath[asset.Path] = asset
		totalBytes += asset.SizeBytes
	}
	for _, entry := range entrypoints {
		if _, ok := byPath[entry]; !ok {
			return nil, false, fmt.Errorf("%w: entrypoint %s not found among assets", ErrValidation, entry)
		}
	}

	digest := fingerprint(assets, entrypoints, input.VarNames)
	version := deriveVersion(input.Tag, digest)

	if existing, err := s.bundles.GetBundle(ctx, version); err == nil {
		if existing.Digest == digest {
			s.logger.Info("bundle already published", "version", version, "digest", digest)
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: version %s holds digest %s", ErrVersionCollision, version, existing.Digest)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	if err := s.uploadAssets(ctx, version, input.Root, assets); err != nil {
		return nil, false, err
	}
	if err := s.writeManifest(ctx, version, digest, input.Tag, assets, entrypoints, input.VarNames); err != nil {
		return nil, false, err
	}

	bundle = &domain.Bundle{
		Version:     version,
		Digest:      digest,
		Tag:         input.Tag,
		TotalBytes:  totalBytes,
		VarNames:    append([]string(nil), input.VarNames...),
		Entrypoints: entrypoints,
	}
	for i := range assets {
		assets[i].BundleVersion = version
	}
	if err := s.bundles.CreateBundle(ctx, bundle, assets); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent publish won the insert. Identical content is
			// still a success.
			existing, getErr := s.bundles.GetBundle(ctx, version)
			if getErr == nil && existing.Digest == digest {
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("%w: version %s published concurrently", ErrVersionCollision, version)
		}
		return nil, false, err
	}

	s.events.BundlePublished(version, input.Tag)
	s.logger.Info("bundle published",
		"version", version,
		"digest", digest,
		"assets", len(assets),
		"bytes", totalBytes,
		"actor", input.Actor,
	)
	return bundle, true, nil
}

// Get returns a bundle and its asset manifest.
func (s Service) Get(ctx context.Context, version string) (*domain.Bundle, []domain.BundleAsset, error) {
	bundle, err := s.bundles.GetBundle(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	assets, err := s.bundles.ListBundleAssets(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	return bundle, assets, nil
}

// List enumerates published bundles, newest first.
func (s Service) List(ctx context.Context, limit, offset int) ([]domain.Bundle, error) {
	return s.bundles.ListBundles(ctx, limit, offset)
}

func (s Service) collectAssets(ctx context.Context, root string, extra *policy) ([]domain.BundleAsset, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: asset directory required", ErrValidation)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: asset directory %s unreadable", ErrValidation, root)
	}

	var (
		assets []domain.BundleAsset
		total  int64
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s not allowed in bundle", ErrValidation, d.Name())
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)

		sum, size, err := hashAsset(path)
		if err != nil {
			return err
		}
		total += size
		if s.maxBytes > 0 && total > s.maxBytes {
			return fmt.Errorf("%w: bundle exceeds %d bytes", ErrValidation, s.maxBytes)
		}
		if scannable(relSlash) && (!s.policy.empty() || !extra.empty()) {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := s.policy.scan(relSlash, content); err != nil {
				return err
			}
			if err := extra.scan(relSlash, content); err != nil {
				return err
			}
		}
		assets = append(assets, domain.BundleAsset{
			Path:        relSlash,
			SHA256:      sum,
			SizeBytes:   size,
			ContentType: assetContentType(relSlash),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: bundle contains no assets", ErrValidation)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
	return assets, nil
}

func (s Service) uploadAssets(ctx context.Context, version, root string, assets []domain.BundleAsset) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			key := AssetKey(version, asset.Path)
			if info, err := s.store.Stat(ctx, key); err == nil && info.SHA256 == asset.SHA256 {
				return nil
			}
			f, err := os.Open(filepath.Join(root, filepath.FromSlash(asset.Path)))
			if err != nil {
				return fmt.Errorf("open asset %s: %w", asset.Path, err)
			}
			defer f.Close()
			if err := s.store.Put(ctx, key, f, storage.PutOptions{
				ContentType:  asset.ContentType,
				CacheControl: ImmutableCacheControl,
				SHA256:       asset.SHA256,
			}); err != nil {
				return fmt.Errorf("upload asset %s: %w", asset.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type storedManifest struct {
	Version     string               `json:"version"`
	Digest      string               `json:"digest"`
	Tag         string               `json:"tag,omitempty"`
	Entrypoints []string             `json:"entrypoints"`
	VarNames    []string             `json:"var_names"`
	Assets      []domain.BundleAsset `json:"assets"`
	PublishedAt time.Time            `json:"published_at"`
}

// writeManifest stores the machine-readable bundle manifest last, so its
// presence marks a completely uploaded bundle.
func (s Service) writeManifest(ctx context.Context, version, digest, tag string, assets []domain.BundleAsset, entrypoints, varNames []string) error {
	manifest := storedManifest{
		Version:     version,
		Digest:      digest,
		Tag:         tag,
		Entrypoints: entrypoints,
		VarNames:    varNames,
		Assets:      assets,
		PublishedAt: time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	return s.store.Put(ctx, ManifestKey(version), strings.NewReader(string(payload)), storage.PutOptions{
		ContentType:  "application/json",
		CacheControl: ImmutableCacheControl,
		SHA256:       hex.EncodeToString(sum[:]),
	})
}

// AssetKey is the object key of one bundle asset.
func AssetKey(version, assetPath string) string {
	return "bundles/" + version + "/" + assetPath
}

// ManifestKey is the object key of a bundle's manifest document. Manifests
// live outside the bundles/ prefix so they can never collide with an
// application asset.
func ManifestKey(version string) string {
	return "manifests/" + version + ".json"
}

// defaultEntrypoints picks every stylesheet and then every script, each
// group in path order, when the publish did not name an explicit load order.
func defaultEntrypoints(assets []domain.BundleAsset) []string {
	var css, js []string
	for _, asset := range assets {
		switch {
		case strings.HasSuffix(asset.Path, ".css"):
			css = append(css, asset.Path)
		case strings.HasSuffix(asset.Path, ".js"):
			js = append(js, asset.Path)
		}
	}
	sort.Strings(css)
	sort.Strings(js)
	return append(css, js...)
}

func normalizeEntrypoints(entrypoints []string) ([]string, error) {
	if len(entrypoints) == 0 {
		return nil, fmt.Errorf("%w: at least one entrypoint required", ErrValidation)
	}
	normalized := make([]string, 0, len(entrypoints))
	seen := make(map[string]struct{}, len(entrypoints))
	for _, entry := range entrypoints {
		cleaned := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(entry)), "./")
		if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
			return nil, fmt.Errorf("%w: entrypoint %q must be a relative asset path", ErrValidation, entry)
		}
		if _, dup := seen[cleaned]; dup {
			return nil, fmt.Errorf("%w: entrypoint %s repeated", ErrValidation, cleaned)
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}
	return normalized, nil
}

func hashAsset(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func assetContentType(assetPath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(assetPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
