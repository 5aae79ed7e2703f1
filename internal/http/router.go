package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ImmutableWebApps/iwa/internal/repository"
	"github.com/ImmutableWebApps/iwa/internal/service/edge"
	"github.com/ImmutableWebApps/iwa/internal/service/environment"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/service/publisher"
	"github.com/ImmutableWebApps/iwa/internal/service/release"
	"github.com/ImmutableWebApps/iwa/internal/storage"
	"github.com/ImmutableWebApps/iwa/internal/ws"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	publisher      publisher.Service
	staging        *publisher.Staging
	environments   environment.Service
	releases       release.Service
	edge           edge.Service
	events         events.Service
	bundleStore    storage.ObjectStore
	documents      storage.ObjectStore
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	operatorTokens []string
	maxUploadBytes int64
	dbHealth       func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	bundlesPublished   *prometheus.CounterVec
	releasesTotal      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitPublish   = 10
	rateLimitRelease   = 30
	rateLimitMutate    = 60
	rateLimitRead      = 240
	rateLimitServe     = 1200
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second

	streamHeartbeatInterval = 25 * time.Second
)

// Stable route labels keep metric cardinality bounded.
const (
	routeBundles      = "/v1/bundles"
	routeBundleDetail = "/v1/bundles/{version}"
	routeEnvironments = "/v1/environments"
	routeEnvironment  = "/v1/environments/{slug}"
	routeReleases     = "/v1/environments/{slug}/releases"
	routeRollback     = "/v1/environments/{slug}/rollback"
	routeDocument     = "/v1/environments/{slug}/document"
	routeEdgeApply    = "/v1/edge/apply"
	routeHealthz      = "/healthz"
	routeEventsWS     = "/ws/events"
	routeEventsSSE    = "/events"
	routeBundleAsset  = "/bundles/{version}/{path}"
	routeSite         = "/sites/{slug}"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, pub publisher.Service, staging *publisher.Staging, environments environment.Service, releases release.Service, edgeSvc edge.Service, eventsSvc events.Service, bundleStore, documents storage.ObjectStore, limiter RateLimiter, dbHealth func(context.Context) error, cfg config.ServerConfig) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		publisher:    pub,
		staging:      staging,
		environments: environments,
		releases:     releases,
		edge:         edgeSvc,
		events:       eventsSvc,
		bundleStore:  bundleStore,
		documents:    documents,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		operatorTokens: cfg.OperatorTokens,
		maxUploadBytes: cfg.PublishMaxBytes,
		dbHealth:       dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(routeHealthz, r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/v1/bundles", r.audit(routeBundles, r.handleBundles))
	r.mux.HandleFunc("/v1/bundles/", r.audit(routeBundleDetail, r.withRateLimit(routeBundleDetail, rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleBundleDetail)))
	r.mux.HandleFunc("/v1/environments", r.audit(routeEnvironments, r.handleEnvironments))
	r.mux.HandleFunc("/v1/environments/", r.audit(routeEnvironment, r.handleEnvironmentSubroutes))
	r.mux.HandleFunc("/v1/edge/apply", r.audit(routeEdgeApply, r.protect(routeEdgeApply, rateLimitMutate, rateWindowDefault, r.handleEdgeApply)))
	r.mux.HandleFunc("/ws/events", r.audit(routeEventsWS, r.withRateLimit(routeEventsWS, rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit(routeEventsSSE, r.withRateLimit(routeEventsSSE, rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleEventsSSE)))
	r.mux.HandleFunc("/bundles/", r.audit(routeBundleAsset, r.withRateLimit(routeBundleAsset, rateLimitServe, rateWindowDefault, rateLimitKeyIP, r.handleBundleAsset)))
	r.mux.HandleFunc("/sites/", r.audit(routeSite, r.withRateLimit(routeSite, rateLimitServe, rateWindowDefault, rateLimitKeyIP, r.handleSite)))
}

// statusForError maps service failures onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, publisher.ErrVersionCollision),
		errors.Is(err, release.ErrConcurrentRelease),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, release.ErrUnknownBundleVersion),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, storage.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, publisher.ErrValidation),
		errors.Is(err, release.ErrValidation),
		errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) handleBundles(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit(routeBundles, rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.listBundles)(w, req)
	case http.MethodPost:
		r.protect(routeBundles, rateLimitPublish, rateWindowDefault, r.publishBundle)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) listBundles(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	bundles, err := r.publisher.List(req.Context(), limit, offset)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": marshalBundles(bundles)})
}

// publishManifest is the JSON part accompanying a bundle upload.
type publishManifest struct {
	Tag               string   `json:"tag"`
	Entrypoints       []string `json:"entrypoints"`
	EnvVarNames       []string `json:"env_var_names"`
	ForbiddenPatterns []string `json:"forbidden_patterns"`
}

// publishBundle accepts a multipart upload: one manifest JSON part plus
// either repeated asset parts (filename carries the relative path) or a
// single gzipped tar archive part.
func (r *Router) publishBundle(w http.ResponseWriter, req *http.Request) {
	mr, err := req.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var (
		manifest     publishManifest
		haveManifest bool
		dir          string
		cleanup      func()
		fromArchive  bool
		staged       int64
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		switch part.FormName() {
		case "manifest":
			if haveManifest {
				writeError(w, http.StatusBadRequest, "duplicate manifest part")
				return
			}
			if err := json.NewDecoder(part).Decode(&manifest); err != nil {
				writeError(w, http.StatusBadRequest, "invalid manifest JSON")
				return
			}
			haveManifest = true
		case "archive":
			if dir != "" {
				writeError(w, http.StatusBadRequest, "archive and asset parts are mutually exclusive")
				return
			}
			dir, cleanup, err = r.staging.Extract(part, r.maxUploadBytes)
			if err != nil {
				r.writeServiceError(w, req, err)
				return
			}
			fromArchive = true
		case "asset":
			if fromArchive {
				writeError(w, http.StatusBadRequest, "archive and asset parts are mutually exclusive")
				return
			}
			if dir == "" {
				dir, cleanup, err = r.staging.Create()
				if err != nil {
					r.writeServiceError(w, req, err)
					return
				}
			}
			budget := int64(0)
			if r.maxUploadBytes > 0 {
				budget = r.maxUploadBytes - staged
				if budget <= 0 {
					writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d bytes", r.maxUploadBytes))
					return
				}
			}
			n, err := r.staging.Stage(dir, assetPartName(part), part, budget)
			staged += n
			if err != nil {
				r.writeServiceError(w, req, err)
				return
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unexpected part %q", part.FormName()))
			return
		}
		part.Close()
	}

	if !haveManifest {
		writeError(w, http.StatusBadRequest, "manifest part required")
		return
	}
	if dir == "" {
		writeError(w, http.StatusBadRequest, "no assets uploaded")
		return
	}

	bundle, created, err := r.publisher.Publish(req.Context(), publisher.PublishInput{
		Root:        dir,
		Tag:         manifest.Tag,
		Entrypoints: manifest.Entrypoints,
		VarNames:    manifest.EnvVarNames,
		Patterns:    manifest.ForbiddenPatterns,
		Actor:       actorFromContext(req.Context()),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := http.StatusOK
	outcome := "idempotent"
	if created {
		status = http.StatusCreated
		outcome = "created"
	}
	r.recordPublishOutcome(outcome)
	writeJSON(w, status, marshalBundle(bundle))
}

// assetPartName reads the relative asset path from the part's
// Content-Disposition filename. Part.FileName applies filepath.Base, which
// would flatten nested paths like assets/app.css.
func assetPartName(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return part.FileName()
	}
	return params["filename"]
}

func (r *Router) handleBundleDetail(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	version := strings.TrimPrefix(req.URL.Path, "/v1/bundles/")
	if version == "" || strings.Contains(version, "/") {
		r.notFound(w)
		return
	}
	bundle, assets, err := r.publisher.Get(req.Context(), version)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	assetPayload := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		assetPayload = append(assetPayload, marshalBundleAsset(asset))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundle": marshalBundle(bundle),
		"assets": assetPayload,
	})
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit(routeEnvironments, rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.listEnvironments)(w, req)
	case http.MethodPost:
		r.protect(routeEnvironments, rateLimitMutate, rateWindowDefault, r.createEnvironment)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) listEnvironments(w http.ResponseWriter, req *http.Request) {
	envs, err := r.environments.List(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := make([]map[string]any, 0, len(envs))
	for i := range envs {
		payload = append(payload, marshalEnvironment(&envs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": payload})
}

func (r *Router) createEnvironment(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name      string `json:"name"`
		Slug      string `json:"slug"`
		Protected bool   `json:"protected"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env, err := r.environments.Create(req.Context(), environment.CreateInput{
		Name:      payload.Name,
		Slug:      payload.Slug,
		Protected: payload.Protected,
		Actor:     actorFromContext(req.Context()),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalEnvironment(env))
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/environments/")
	parts := strings.Split(trimmed, "/")
	slug := parts[0]
	if slug == "" {
		r.notFound(w)
		return
	}
	rest := parts[1:]
	switch {
	case len(rest) == 0:
		r.handleEnvironmentDetail(w, req, slug)
	case len(rest) == 1 && rest[0] == "releases":
		r.handleReleases(w, req, slug)
	case len(rest) == 2 && rest[0] == "releases" && rest[1] == "active":
		r.handleActiveRelease(w, req, slug)
	case len(rest) == 1 && rest[0] == "rollback":
		r.handleRollback(w, req, slug)
	case len(rest) == 1 && rest[0] == "document":
		r.handleDocument(w, req, slug)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironmentDetail(w http.ResponseWriter, req *http.Request, slug string) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit(routeEnvironment, rateLimitRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.environmentDetail(w, req, slug)
		})(w, req)
	case http.MethodPost:
		r.protect(routeEnvironment, rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.updateEnvironment(w, req, slug)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) environmentDetail(w http.ResponseWriter, req *http.Request, slug string) {
	env, err := r.environments.Get(req.Context(), slug)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := map[string]any{"environment": marshalEnvironment(env)}
	active, err := r.releases.Active(req.Context(), env.Slug)
	switch {
	case err == nil:
		payload["active_release"] = marshalRelease(active)
	case errors.Is(err, repository.ErrNotFound):
		payload["active_release"] = nil
	default:
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) updateEnvironment(w http.ResponseWriter, req *http.Request, slug string) {
	var payload struct {
		Name      *string `json:"name"`
		Protected *bool   `json:"protected"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env, err := r.environments.Update(req.Context(), environment.UpdateInput{
		Slug:      slug,
		Name:      payload.Name,
		Protected: payload.Protected,
		Actor:     actorFromContext(req.Context()),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalEnvironment(env))
}

func (r *Router) handleReleases(w http.ResponseWriter, req *http.Request, slug string) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit(routeReleases, rateLimitRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.listReleases(w, req, slug)
		})(w, req)
	case http.MethodPost:
		r.protect(routeReleases, rateLimitRelease, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.createRelease(w, req, slug)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) listReleases(w http.ResponseWriter, req *http.Request, slug string) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	before, err := decodeCursor(req.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	releases, next, err := r.releases.History(req.Context(), slug, before, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	payload := map[string]any{"releases": marshalReleases(releases)}
	if next != nil {
		payload["next_before"] = encodeCursor(next)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) createRelease(w http.ResponseWriter, req *http.Request, slug string) {
	var payload struct {
		BundleVersion string         `json:"bundle_version"`
		Variables     map[string]any `json:"variables"`
		Description   string         `json:"description"`
		Confirm       bool           `json:"confirm"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rel, err := r.releases.Release(req.Context(), release.ReleaseInput{
		EnvironmentSlug: slug,
		BundleVersion:   payload.BundleVersion,
		Variables:       payload.Variables,
		Description:     payload.Description,
		Actor:           actorFromContext(req.Context()),
		Confirmed:       payload.Confirm,
	})
	if err != nil {
		if releaseAttempted(err) {
			r.recordReleaseOutcome("failed")
		}
		r.writeServiceError(w, req, err)
		return
	}
	r.recordReleaseOutcome("activated")
	writeJSON(w, http.StatusCreated, marshalRelease(rel))
}

// releaseAttempted reports whether the error arrived after a ledger record
// was opened. Requests rejected up front never entered the ledger and are
// not counted as failed releases.
func releaseAttempted(err error) bool {
	switch {
	case errors.Is(err, release.ErrValidation),
		errors.Is(err, release.ErrUnknownBundleVersion),
		errors.Is(err, release.ErrNoPriorRelease),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrInvalidArgument):
		return false
	}
	return true
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.protect(routeRollback, rateLimitRelease, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			ToRelease     string `json:"to_release"`
			BundleVersion string `json:"bundle_version"`
			Description   string `json:"description"`
			Confirm       bool   `json:"confirm"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rel, err := r.releases.Rollback(req.Context(), release.RollbackInput{
			EnvironmentSlug: slug,
			ToRelease:       payload.ToRelease,
			BundleVersion:   payload.BundleVersion,
			Description:     payload.Description,
			Actor:           actorFromContext(req.Context()),
			Confirmed:       payload.Confirm,
		})
		if err != nil {
			if releaseAttempted(err) {
				r.recordReleaseOutcome("failed")
			}
			r.writeServiceError(w, req, err)
			return
		}
		r.recordReleaseOutcome("rolled_back")
		writeJSON(w, http.StatusCreated, marshalRelease(rel))
	})(w, req)
}

func (r *Router) handleActiveRelease(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rel, err := r.releases.Active(req.Context(), slug)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalRelease(rel))
}

func (r *Router) handleEdgeApply(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.edge.Enabled() {
		writeError(w, http.StatusConflict, "edge config generation is not enabled")
		return
	}
	if err := r.edge.Apply(req.Context()); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// streamTopic resolves the hub topic for an event stream request. Without a
// filter the subscriber receives every event.
func (r *Router) streamTopic(req *http.Request) string {
	if env := strings.TrimSpace(req.URL.Query().Get("environment")); env != "" {
		return ws.TopicEnvironment(environment.NormalizeSlug(env))
	}
	return ws.TopicAll
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic := r.streamTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.events.Hub()
	hub.Register(topic, client)
	go func() {
		defer func() {
			hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := r.streamTopic(req)
	client := ws.NewSSEClient(w, flusher, r.logger)
	hub := r.events.Hub()
	hub.Register(topic, client)
	defer func() {
		hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(streamHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
