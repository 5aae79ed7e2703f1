package httpx

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
	"github.com/ImmutableWebApps/iwa/internal/service/edge"
	"github.com/ImmutableWebApps/iwa/internal/service/environment"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/service/publisher"
	"github.com/ImmutableWebApps/iwa/internal/service/registry"
	"github.com/ImmutableWebApps/iwa/internal/service/release"
	"github.com/ImmutableWebApps/iwa/internal/storage"
	"github.com/ImmutableWebApps/iwa/internal/ws"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

type environmentRepoStub struct {
	mu    sync.Mutex
	envs  map[string]*domain.Environment
	clock time.Time
}

func newEnvironmentRepoStub() *environmentRepoStub {
	return &environmentRepoStub{
		envs:  make(map[string]*domain.Environment),
		clock: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (s *environmentRepoStub) CreateEnvironment(_ context.Context, env *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envs[env.Slug]; exists {
		return repository.ErrConflict
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	s.clock = s.clock.Add(time.Second)
	env.CreatedAt = s.clock
	env.UpdatedAt = s.clock
	stored := *env
	s.envs[env.Slug] = &stored
	return nil
}

func (s *environmentRepoStub) UpdateEnvironment(_ context.Context, env *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.envs[env.Slug]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Name = env.Name
	stored.Protected = env.Protected
	s.clock = s.clock.Add(time.Second)
	stored.UpdatedAt = s.clock
	*env = *stored
	return nil
}

func (s *environmentRepoStub) GetEnvironmentBySlug(_ context.Context, slug string) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *env
	return &copied, nil
}

func (s *environmentRepoStub) GetEnvironmentByID(_ context.Context, id string) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envs {
		if env.ID == id {
			copied := *env
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *environmentRepoStub) ListEnvironments(_ context.Context) ([]domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Environment, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, *env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

type bundleRepoStub struct {
	mu      sync.Mutex
	bundles map[string]*domain.Bundle
	assets  map[string][]domain.BundleAsset
	clock   time.Time
}

func newBundleRepoStub() *bundleRepoStub {
	return &bundleRepoStub{
		bundles: make(map[string]*domain.Bundle),
		assets:  make(map[string][]domain.BundleAsset),
		clock:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *bundleRepoStub) CreateBundle(_ context.Context, bundle *domain.Bundle, assets []domain.BundleAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bundles[bundle.Version]; exists {
		return repository.ErrConflict
	}
	s.clock = s.clock.Add(time.Second)
	bundle.PublishedAt = s.clock
	stored := *bundle
	s.bundles[bundle.Version] = &stored
	s.assets[bundle.Version] = append([]domain.BundleAsset(nil), assets...)
	return nil
}

func (s *bundleRepoStub) GetBundle(_ context.Context, version string) (*domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[version]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *bundle
	return &copied, nil
}

func (s *bundleRepoStub) ListBundles(_ context.Context, limit, offset int) ([]domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Bundle, 0, len(s.bundles))
	for _, bundle := range s.bundles {
		out = append(out, *bundle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *bundleRepoStub) ListBundleAssets(_ context.Context, version string) ([]domain.BundleAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[version]; !ok {
		return nil, repository.ErrNotFound
	}
	return append([]domain.BundleAsset(nil), s.assets[version]...), nil
}

func (s *bundleRepoStub) ListUnreleasedBundlesBefore(_ context.Context, _ time.Time) ([]domain.Bundle, error) {
	return nil, nil
}

func (s *bundleRepoStub) DeleteBundle(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, version)
	delete(s.assets, version)
	return nil
}

type releaseRepoStub struct {
	mu       sync.Mutex
	releases map[string]*domain.Release
	audits   []domain.ReleaseAudit
	clock    time.Time
}

func newReleaseRepoStub() *releaseRepoStub {
	return &releaseRepoStub{
		releases: make(map[string]*domain.Release),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *releaseRepoStub) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *releaseRepoStub) CreateRelease(_ context.Context, rel *domain.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.releases[rel.ID]; exists {
		return repository.ErrInvalidArgument
	}
	rel.CreatedAt = s.tick()
	stored := *rel
	s.releases[rel.ID] = &stored
	return nil
}

func (s *releaseRepoStub) PromoteRelease(_ context.Context, releaseID, documentSHA string, activatedAt time.Time) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.releases[releaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if pending.Status != domain.ReleaseStatusPending {
		return nil, repository.ErrConflict
	}
	demotedStatus := domain.ReleaseStatusSuperseded
	if pending.RolledBackFrom != nil {
		demotedStatus = domain.ReleaseStatusRolledBack
	}
	var previous *domain.Release
	for _, rel := range s.releases {
		if rel.EnvironmentID == pending.EnvironmentID && rel.Status == domain.ReleaseStatusActive {
			rel.Status = demotedStatus
			at := activatedAt
			rel.SupersededAt = &at
			copied := *rel
			previous = &copied
			break
		}
	}
	pending.Status = domain.ReleaseStatusActive
	pending.DocumentSHA = documentSHA
	at := activatedAt
	pending.ActivatedAt = &at
	return previous, nil
}

func (s *releaseRepoStub) FailRelease(_ context.Context, releaseID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return repository.ErrNotFound
	}
	if rel.Status != domain.ReleaseStatusPending {
		return repository.ErrConflict
	}
	rel.Status = domain.ReleaseStatusFailed
	rel.Error = cause
	return nil
}

func (s *releaseRepoStub) GetRelease(_ context.Context, releaseID string) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *rel
	return &copied, nil
}

func (s *releaseRepoStub) GetActiveRelease(_ context.Context, environmentID string) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range s.releases {
		if rel.EnvironmentID == environmentID && rel.Status == domain.ReleaseStatusActive {
			copied := *rel
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *releaseRepoStub) ListReleases(_ context.Context, environmentID string, before *repository.ReleaseCursor, limit int) ([]domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]domain.Release, 0)
	for _, rel := range s.releases {
		if rel.EnvironmentID == environmentID {
			all = append(all, *rel)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	out := make([]domain.Release, 0, limit)
	for _, rel := range all {
		if before != nil {
			after := rel.CreatedAt.After(before.CreatedAt) ||
				(rel.CreatedAt.Equal(before.CreatedAt) && rel.ID >= before.ID)
			if after {
				continue
			}
		}
		out = append(out, rel)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *releaseRepoStub) ListStalePendingReleases(_ context.Context, _ time.Time) ([]domain.Release, error) {
	return nil, nil
}

func (s *releaseRepoStub) CountReleasesByBundle(_ context.Context, version string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rel := range s.releases {
		if rel.BundleVersion == version {
			count++
		}
	}
	return count, nil
}

func (s *releaseRepoStub) DeleteReleasesBefore(_ context.Context, _ string, _ int, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *releaseRepoStub) InsertReleaseAudit(_ context.Context, audit *domain.ReleaseAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	audit.ID = int64(len(s.audits) + 1)
	audit.CreatedAt = s.tick()
	s.audits = append(s.audits, *audit)
	return nil
}

func (s *releaseRepoStub) ListReleaseAudits(_ context.Context, environmentID string, limit int) ([]domain.ReleaseAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReleaseAudit, 0)
	for i := len(s.audits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.audits[i].EnvironmentID == environmentID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (s *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	s.mu.Lock()
	s.calls = append(s.calls, key)
	fn := s.allowFn
	s.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (s *rateLimiterStub) Close() {}

type streamRecorder struct {
	mu      sync.Mutex
	header  http.Header
	buf     bytes.Buffer
	status  int
	flushes int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *streamRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(b)
}

func (r *streamRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *streamRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *streamRecorder) flushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type routerHarness struct {
	router   *Router
	envs     *environmentRepoStub
	bundles  *bundleRepoStub
	releases *releaseRepoStub
	events   events.Service
	hub      *ws.Hub
	dbErr    error
	mu       sync.Mutex
}

func (h *routerHarness) setDBError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dbErr = err
}

func (h *routerHarness) dbHealth(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dbErr
}

func newRouterHarness(t *testing.T, cfg config.ServerConfig, limiter RateLimiter) *routerHarness {
	t.Helper()
	logger := testLogger()
	envRepo := newEnvironmentRepoStub()
	bundleRepo := newBundleRepoStub()
	releaseRepo := newReleaseRepoStub()
	hub := ws.NewHub()
	eventsSvc := events.New(hub, logger)

	bundleStore, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("bundle store: %v", err)
	}
	documents, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("document store: %v", err)
	}
	staging, err := publisher.NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	pub, err := publisher.New(bundleRepo, bundleStore, eventsSvc, logger, cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	envSvc := environment.New(envRepo, releaseRepo, logger)
	reg := registry.New(releaseRepo, logger)
	relSvc := release.New(envRepo, bundleRepo, reg, documents, release.NewMemoryLocker(), eventsSvc, logger, "http://cdn.local/bundles")
	edgeSvc := edge.New(envRepo, logger, cfg)

	h := &routerHarness{
		envs:     envRepo,
		bundles:  bundleRepo,
		releases: releaseRepo,
		events:   eventsSvc,
		hub:      hub,
	}
	h.router = NewRouter(logger, pub, staging, envSvc, relSvc, edgeSvc, eventsSvc, bundleStore, documents, limiter, h.dbHealth, cfg)
	t.Cleanup(h.router.Close)
	return h
}

func (h *routerHarness) do(t *testing.T, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *routerHarness) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return h.do(t, method, target, bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func multipartBundle(t *testing.T, manifest map[string]any, assets map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mf, err := mw.CreateFormField("manifest")
	if err != nil {
		t.Fatalf("manifest part: %v", err)
	}
	if err := json.NewEncoder(mf).Encode(manifest); err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fw, err := mw.CreateFormFile("asset", name)
		if err != nil {
			t.Fatalf("asset part %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(assets[name])); err != nil {
			t.Fatalf("write asset %s: %v", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func tarGzArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func (h *routerHarness) createEnvironment(t *testing.T, name, slug string, protected bool) {
	t.Helper()
	rr := h.doJSON(t, http.MethodPost, "/v1/environments", map[string]any{
		"name": name, "slug": slug, "protected": protected,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create environment: status %d body %s", rr.Code, rr.Body.String())
	}
}

func (h *routerHarness) publishBundle(t *testing.T, tag string, assets map[string]string, entrypoints, varNames []string) string {
	t.Helper()
	body, contentType := multipartBundle(t, map[string]any{
		"tag":           tag,
		"entrypoints":   entrypoints,
		"env_var_names": varNames,
	}, assets)
	rr := h.do(t, http.MethodPost, "/v1/bundles", body, map[string]string{"Content-Type": contentType})
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish bundle: status %d body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	version, _ := payload["version"].(string)
	if version == "" {
		t.Fatalf("publish response missing version: %v", payload)
	}
	return version
}

func TestPublishBundleMultipart(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	body, contentType := multipartBundle(t, map[string]any{
		"tag":           "v1.0.0",
		"entrypoints":   []string{"main.js", "style.css"},
		"env_var_names": []string{"API"},
	}, map[string]string{
		"main.js":         "console.log('v1');",
		"style.css":       "body { margin: 0; }",
		"assets/logo.svg": "<svg></svg>",
	})
	rr := h.do(t, http.MethodPost, "/v1/bundles", body, map[string]string{"Content-Type": contentType})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["version"] != "v1.0.0" {
		t.Fatalf("version = %v", payload["version"])
	}
	if digest, _ := payload["digest"].(string); len(digest) != 64 {
		t.Fatalf("digest = %v", payload["digest"])
	}

	// Same content again is idempotent and reports 200.
	body, contentType = multipartBundle(t, map[string]any{
		"tag":           "v1.0.0",
		"entrypoints":   []string{"main.js", "style.css"},
		"env_var_names": []string{"API"},
	}, map[string]string{
		"main.js":         "console.log('v1');",
		"style.css":       "body { margin: 0; }",
		"assets/logo.svg": "<svg></svg>",
	})
	rr = h.do(t, http.MethodPost, "/v1/bundles", body, map[string]string{"Content-Type": contentType})
	if rr.Code != http.StatusOK {
		t.Fatalf("re-publish status = %d body %s", rr.Code, rr.Body.String())
	}

	// The nested asset kept its directory and serves from the bundle host.
	rr = h.do(t, http.MethodGet, "/bundles/v1.0.0/assets/logo.svg", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("nested asset status = %d", rr.Code)
	}
	if rr.Body.String() != "<svg></svg>" {
		t.Fatalf("nested asset body = %q", rr.Body.String())
	}
}

func TestPublishBundleArchive(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	archive := tarGzArchive(t, map[string]string{
		"main.js":            "console.log('archived');",
		"assets/css/app.css": "h1 { color: teal; }",
	})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mf, err := mw.CreateFormField("manifest")
	if err != nil {
		t.Fatalf("manifest part: %v", err)
	}
	manifest := map[string]any{"tag": "v2.0.0", "entrypoints": []string{"main.js", "assets/css/app.css"}}
	if err := json.NewEncoder(mf).Encode(manifest); err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	fw, err := mw.CreateFormFile("archive", "bundle.tar.gz")
	if err != nil {
		t.Fatalf("archive part: %v", err)
	}
	if _, err := fw.Write(archive); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	rr := h.do(t, http.MethodPost, "/v1/bundles", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/bundles/v2.0.0/assets/css/app.css", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("archived asset status = %d", rr.Code)
	}
	if rr.Body.String() != "h1 { color: teal; }" {
		t.Fatalf("archived asset body = %q", rr.Body.String())
	}
}

func TestPublishBundleRejectsBadUploads(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	// Assets without a manifest part.
	body, contentType := multipartBundle(t, nil, nil)
	rr := h.do(t, http.MethodPost, "/v1/bundles", body, map[string]string{"Content-Type": contentType})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing assets status = %d", rr.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("asset", "main.js")
	fw.Write([]byte("console.log(1);"))
	mw.Close()
	rr = h.do(t, http.MethodPost, "/v1/bundles", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing manifest status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "manifest part required") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	// Not multipart at all.
	rr = h.doJSON(t, http.MethodPost, "/v1/bundles", map[string]any{"tag": "v1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d", rr.Code)
	}

	rr = h.do(t, http.MethodDelete, "/v1/bundles", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete status = %d", rr.Code)
	}
}

func TestBundleListingAndDetail(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	h.publishBundle(t, "v1.0.0", map[string]string{"main.js": "console.log(1);"}, []string{"main.js"}, nil)
	h.publishBundle(t, "v1.1.0", map[string]string{"main.js": "console.log(2);"}, []string{"main.js"}, nil)

	rr := h.do(t, http.MethodGet, "/v1/bundles", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	bundles, _ := payload["bundles"].([]any)
	if len(bundles) != 2 {
		t.Fatalf("bundles = %v", payload["bundles"])
	}

	rr = h.do(t, http.MethodGet, "/v1/bundles/v1.1.0", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rr.Code)
	}
	payload = decodeBody(t, rr)
	bundle, _ := payload["bundle"].(map[string]any)
	if bundle["version"] != "v1.1.0" {
		t.Fatalf("detail version = %v", bundle["version"])
	}
	assets, _ := payload["assets"].([]any)
	if len(assets) != 1 {
		t.Fatalf("assets = %v", payload["assets"])
	}

	rr = h.do(t, http.MethodGet, "/v1/bundles/v9.9.9", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown bundle status = %d", rr.Code)
	}
}

func TestEnvironmentLifecycle(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	rr := h.doJSON(t, http.MethodPost, "/v1/environments", map[string]any{"name": "Production", "slug": "Prod_EU"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rr.Code, rr.Body.String())
	}
	created := decodeBody(t, rr)
	if created["slug"] != "prod-eu" {
		t.Fatalf("slug = %v", created["slug"])
	}

	rr = h.do(t, http.MethodGet, "/v1/environments", nil, nil)
	payload := decodeBody(t, rr)
	envs, _ := payload["environments"].([]any)
	if len(envs) != 1 {
		t.Fatalf("environments = %v", payload["environments"])
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod-eu", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rr.Code)
	}
	payload = decodeBody(t, rr)
	if payload["active_release"] != nil {
		t.Fatalf("active_release = %v, want null before any release", payload["active_release"])
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments/prod-eu", map[string]any{"protected": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d body %s", rr.Code, rr.Body.String())
	}
	updated := decodeBody(t, rr)
	if updated["protected"] != true {
		t.Fatalf("protected = %v", updated["protected"])
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments", map[string]any{"name": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown environment status = %d", rr.Code)
	}
}

func TestReleaseFlowOverHTTP(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	h.createEnvironment(t, "Production", "prod", false)
	version := h.publishBundle(t, "v1.0.0", map[string]string{
		"main.js":   "console.log('v1');",
		"style.css": "body { margin: 0; }",
	}, []string{"main.js", "style.css"}, []string{"API"})

	rr := h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", map[string]any{
		"bundle_version": version,
		"variables":      map[string]any{"API": "https://api.example.com"},
		"description":    "first release",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("release status = %d body %s", rr.Code, rr.Body.String())
	}
	rel := decodeBody(t, rr)
	if rel["status"] != domain.ReleaseStatusActive {
		t.Fatalf("status = %v", rel["status"])
	}
	if rel["bundle_version"] != version {
		t.Fatalf("bundle_version = %v", rel["bundle_version"])
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/releases/active", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("active status = %d", rr.Code)
	}
	active := decodeBody(t, rr)
	if active["id"] != rel["id"] {
		t.Fatalf("active id = %v, want %v", active["id"], rel["id"])
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/document", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("document status = %d body %s", rr.Code, rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("document cache-control = %q", cc)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("document content-type = %q", ct)
	}
	doc := rr.Body.String()
	if !strings.Contains(doc, `"API":"https://api.example.com"`) {
		t.Fatalf("document missing variables: %s", doc)
	}
	if !strings.Contains(doc, "/bundles/"+version+"/main.js") {
		t.Fatalf("document missing bundle script: %s", doc)
	}

	// Any path under the site serves the same document.
	rr = h.do(t, http.MethodGet, "/sites/prod/settings/profile", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("site fallback status = %d", rr.Code)
	}
	if rr.Body.String() != doc {
		t.Fatal("site fallback served a different document")
	}

	rr = h.do(t, http.MethodGet, "/bundles/"+version+"/main.js", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("asset status = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != publisher.ImmutableCacheControl {
		t.Fatalf("asset cache-control = %q", cc)
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("asset response missing ETag")
	}
	rr = h.do(t, http.MethodGet, "/bundles/"+version+"/main.js", nil, map[string]string{"If-None-Match": etag})
	if rr.Code != http.StatusNotModified {
		t.Fatalf("revalidation status = %d", rr.Code)
	}
}

func TestReleaseValidationOverHTTP(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	h.createEnvironment(t, "Production", "prod", false)
	h.createEnvironment(t, "Staging", "staging", true)
	version := h.publishBundle(t, "v1.0.0", map[string]string{"main.js": "console.log(1);"}, []string{"main.js"}, []string{"API"})

	rr := h.doJSON(t, http.MethodPost, "/v1/environments/missing/releases", map[string]any{
		"bundle_version": version,
		"variables":      map[string]any{"API": "x"},
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown environment status = %d", rr.Code)
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", map[string]any{
		"bundle_version": "v9.9.9",
		"variables":      map[string]any{"API": "x"},
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown bundle status = %d", rr.Code)
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", map[string]any{
		"bundle_version": version,
		"variables":      map[string]any{"API": "x", "EXTRA": "y"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("undeclared variable status = %d", rr.Code)
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments/staging/releases", map[string]any{
		"bundle_version": version,
		"variables":      map[string]any{"API": "x"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("protected unconfirmed status = %d", rr.Code)
	}

	rr = h.doJSON(t, http.MethodPost, "/v1/environments/staging/releases", map[string]any{
		"bundle_version": version,
		"variables":      map[string]any{"API": "x"},
		"confirm":        true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("confirmed release status = %d body %s", rr.Code, rr.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/releases/active", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("no active release status = %d", rr.Code)
	}
}

func TestRollbackAndHistoryOverHTTP(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	h.createEnvironment(t, "Production", "prod", false)
	v1 := h.publishBundle(t, "v1.0.0", map[string]string{"main.js": "console.log('v1');"}, []string{"main.js"}, []string{"API"})
	v2 := h.publishBundle(t, "v2.0.0", map[string]string{"main.js": "console.log('v2');"}, []string{"main.js"}, []string{"API"})

	releaseBody := func(version string) map[string]any {
		return map[string]any{
			"bundle_version": version,
			"variables":      map[string]any{"API": "https://api.example.com"},
		}
	}
	if rr := h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", releaseBody(v1)); rr.Code != http.StatusCreated {
		t.Fatalf("release v1 status = %d body %s", rr.Code, rr.Body.String())
	}
	if rr := h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", releaseBody(v2)); rr.Code != http.StatusCreated {
		t.Fatalf("release v2 status = %d body %s", rr.Code, rr.Body.String())
	}

	rr := h.doJSON(t, http.MethodPost, "/v1/environments/prod/rollback", map[string]any{})
	if rr.Code != http.StatusCreated {
		t.Fatalf("rollback status = %d body %s", rr.Code, rr.Body.String())
	}
	rolled := decodeBody(t, rr)
	if rolled["bundle_version"] != v1 {
		t.Fatalf("rollback bundle = %v, want %v", rolled["bundle_version"], v1)
	}
	if rolled["rolled_back_from"] == nil {
		t.Fatal("rollback record missing rolled_back_from")
	}

	// Serving reflects the rollback immediately.
	doc := h.do(t, http.MethodGet, "/sites/prod/", nil, nil)
	if !strings.Contains(doc.Body.String(), "/bundles/"+v1+"/main.js") {
		t.Fatalf("document still serves v2: %s", doc.Body.String())
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/releases?limit=2", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	page := decodeBody(t, rr)
	first, _ := page["releases"].([]any)
	if len(first) != 2 {
		t.Fatalf("history page = %v", page["releases"])
	}
	newest, _ := first[0].(map[string]any)
	if newest["status"] != domain.ReleaseStatusActive || newest["bundle_version"] != v1 {
		t.Fatalf("newest record = %v", newest)
	}
	second, _ := first[1].(map[string]any)
	if second["status"] != domain.ReleaseStatusRolledBack {
		t.Fatalf("displaced record status = %v", second["status"])
	}
	cursor, _ := page["next_before"].(string)
	if cursor == "" {
		t.Fatal("expected next_before cursor on a full page")
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/releases?limit=2&before="+strings.ReplaceAll(cursor, "+", "%2B"), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second page status = %d body %s", rr.Code, rr.Body.String())
	}
	page = decodeBody(t, rr)
	rest, _ := page["releases"].([]any)
	if len(rest) != 1 {
		t.Fatalf("second page = %v", page["releases"])
	}
	oldest, _ := rest[0].(map[string]any)
	if oldest["status"] != domain.ReleaseStatusSuperseded || oldest["bundle_version"] != v1 {
		t.Fatalf("oldest record = %v", oldest)
	}
	if _, ok := page["next_before"]; ok {
		t.Fatal("short page must not carry a cursor")
	}

	rr = h.do(t, http.MethodGet, "/v1/environments/prod/releases?before=garbage", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", rr.Code)
	}
}

func TestOperatorAuth(t *testing.T) {
	cfg := config.ServerConfig{OperatorTokens: []string{"deploy-token"}}
	h := newRouterHarness(t, cfg, nil)

	rr := h.doJSON(t, http.MethodPost, "/v1/environments", map[string]any{"name": "Prod"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/v1/environments", strings.NewReader(`{"name":"Prod"}`), map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/v1/environments", strings.NewReader(`{"name":"Prod"}`), map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer deploy-token",
		"X-Actor":       "casey",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("valid token status = %d body %s", rr.Code, rr.Body.String())
	}

	// Reads stay open.
	rr = h.do(t, http.MethodGet, "/v1/environments", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unauthenticated read status = %d", rr.Code)
	}

	// The actor header lands in the audit trail.
	env, err := h.envs.GetEnvironmentBySlug(context.Background(), "prod")
	if err != nil {
		t.Fatalf("environment missing: %v", err)
	}
	audits, err := h.releases.ListReleaseAudits(context.Background(), env.ID, 10)
	if err != nil || len(audits) == 0 {
		t.Fatalf("audits = %v, err %v", audits, err)
	}
	if audits[0].Actor != "casey" {
		t.Fatalf("audit actor = %q", audits[0].Actor)
	}
}

func TestRateLimitedRequests(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	h := newRouterHarness(t, config.ServerConfig{}, limiter)
	h.createEnvironmentDirect(t, "Production", "prod", false)

	rr := h.doJSON(t, http.MethodPost, "/v1/environments/prod/releases", map[string]any{"bundle_version": "v1"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got == "" {
		t.Fatal("missing X-RateLimit-Limit header")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("X-RateLimit-Reset = %q", got)
	}
	limiter.mu.Lock()
	calls := len(limiter.calls)
	limiter.mu.Unlock()
	if calls != 1 {
		t.Fatalf("limiter calls = %d", calls)
	}
}

// createEnvironmentDirect seeds the repository without going through HTTP,
// for tests that block the mutating routes.
func (h *routerHarness) createEnvironmentDirect(t *testing.T, name, slug string, protected bool) {
	t.Helper()
	err := h.envs.CreateEnvironment(context.Background(), &domain.Environment{
		Name: name, Slug: slug, Protected: protected,
	})
	if err != nil {
		t.Fatalf("seed environment: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	rr := h.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v", payload["status"])
	}

	h.setDBError(errors.New("connection refused"))
	rr = h.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rr.Code)
	}
	payload = decodeBody(t, rr)
	if payload["status"] != "degraded" {
		t.Fatalf("status field = %v", payload["status"])
	}
	components, _ := payload["components"].(map[string]any)
	database, _ := components["database"].(map[string]any)
	if database["status"] != "down" {
		t.Fatalf("database component = %v", database)
	}
}

func TestEventsSSEStream(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		h.router.ServeHTTP(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return h.hub.Count(ws.TopicAll) == 1
	})
	h.events.BundlePublished("v1.0.0", "v1")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), "data: ")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SSE handler did not exit after context cancel")
	}

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := recorder.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control = %q", cc)
	}
	if recorder.flushCount() == 0 {
		t.Fatal("expected flusher to be invoked")
	}

	var event domain.Event
	for _, line := range strings.Split(recorder.body(), "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(rest), &event); err != nil {
				t.Fatalf("decode SSE payload %q: %v", rest, err)
			}
			break
		}
	}
	if event.Type != domain.EventBundlePublished {
		t.Fatalf("event type = %q", event.Type)
	}
	if event.BundleVersion != "v1.0.0" {
		t.Fatalf("event bundle = %q", event.BundleVersion)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.hub.Count(ws.TopicAll) == 0
	})
}

func TestEventsWebsocketFilter(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?environment=prod"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	topic := ws.TopicEnvironment("prod")
	waitFor(t, 2*time.Second, func() bool {
		return h.hub.Count(topic) == 1
	})

	// An event for another environment must not reach this subscriber.
	h.events.ReleaseActivated("staging", "v1.0.0", "rel-other")
	h.events.ReleaseActivated("prod", "v2.0.0", "rel-prod")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Environment != "prod" || event.ReleaseID != "rel-prod" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestEdgeApply(t *testing.T) {
	h := newRouterHarness(t, config.ServerConfig{}, nil)
	rr := h.do(t, http.MethodPost, "/v1/edge/apply", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("disabled edge status = %d", rr.Code)
	}

	cfg := config.ServerConfig{EdgeConfigPath: t.TempDir() + "/iwa.conf", EdgeServerName: "apps.example.com", EdgeUpstream: "127.0.0.1:4000"}
	h = newRouterHarness(t, cfg, nil)
	h.createEnvironmentDirect(t, "Production", "prod", false)
	rr = h.do(t, http.MethodPost, "/v1/edge/apply", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("apply status = %d body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["status"] != "applied" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 3, 500, time.UTC)
	cursor := &repository.ReleaseCursor{CreatedAt: at, ID: "rel-3"}
	decoded, err := decodeCursor(encodeCursor(cursor))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.CreatedAt.Equal(at) || decoded.ID != "rel-3" {
		t.Fatalf("round trip = %+v", decoded)
	}
	if c, err := decodeCursor(""); err != nil || c != nil {
		t.Fatalf("empty cursor = %v, %v", c, err)
	}
	if _, err := decodeCursor("not-a-cursor"); err == nil {
		t.Fatal("expected error for malformed cursor")
	}
	if _, err := decodeCursor("2025-06-01T12:00:00Z,"); err == nil {
		t.Fatal("expected error for cursor without release id")
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{release.ErrUnknownBundleVersion, http.StatusNotFound},
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", release.ErrValidation), http.StatusBadRequest},
		{release.ErrProtectedEnvironment, http.StatusBadRequest},
		{repository.ErrInvalidArgument, http.StatusBadRequest},
		{publisher.ErrVersionCollision, http.StatusConflict},
		{release.ErrConcurrentRelease, http.StatusConflict},
		{repository.ErrConflict, http.StatusConflict},
		{storage.ErrUnavailable, http.StatusServiceUnavailable},
		{storage.ErrNotExist, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
