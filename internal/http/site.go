package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ImmutableWebApps/iwa/internal/service/environment"
	"github.com/ImmutableWebApps/iwa/internal/service/publisher"
	"github.com/ImmutableWebApps/iwa/internal/service/release"
	"github.com/ImmutableWebApps/iwa/internal/storage"
)

// handleBundleAsset serves files out of published bundles. An asset URL names
// exact content for all time, so responses carry the immutable cache policy
// and revalidation always short-circuits.
func (r *Router) handleBundleAsset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/bundles/")
	version, assetPath, ok := strings.Cut(trimmed, "/")
	if !ok || version == "" || assetPath == "" {
		r.notFound(w)
		return
	}

	key := publisher.AssetKey(version, assetPath)
	info, err := r.bundleStore.Stat(req.Context(), key)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	etag := `"` + info.SHA256 + `"`
	if match := req.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.Header().Set("Cache-Control", publisher.ImmutableCacheControl)
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rc, err := r.bundleStore.Open(req.Context(), key)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer rc.Close()

	headers := w.Header()
	headers.Set("Cache-Control", publisher.ImmutableCacheControl)
	headers.Set("ETag", etag)
	headers.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ContentType != "" {
		headers.Set("Content-Type", info.ContentType)
	}
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		r.logger.Warn("bundle asset stream interrupted", "key", key, "error", err)
	}
}

// handleSite serves the environment entry document for every path under the
// environment prefix. Assets load from /bundles/, so any other path falls
// back to the document and client-side routing takes over. No repository
// lookup happens here: the serving path reads only the object store.
func (r *Router) handleSite(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	slug, _, _ := strings.Cut(trimmed, "/")
	slug = environment.NormalizeSlug(slug)
	if slug == "" {
		r.notFound(w)
		return
	}
	r.serveDocument(w, req, slug)
}

// handleDocument is the control-plane view of the same document, with a
// clean 404 distinction between an unknown environment and one that has not
// released yet.
func (r *Router) handleDocument(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	r.withRateLimit(routeDocument, rateLimitRead, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
		normalized := environment.NormalizeSlug(slug)
		if _, err := r.environments.Get(req.Context(), normalized); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		r.serveDocument(w, req, normalized)
	})(w, req)
}

func (r *Router) serveDocument(w http.ResponseWriter, req *http.Request, slug string) {
	key := release.DocumentKey(slug)
	info, err := r.documents.Stat(req.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no release is live for this environment")
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	rc, err := r.documents.Open(req.Context(), key)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	defer rc.Close()

	headers := w.Header()
	headers.Set("Content-Type", "text/html; charset=utf-8")
	headers.Set("Cache-Control", release.NoStoreCacheControl)
	headers.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		r.logger.Warn("document stream interrupted", "environment", slug, "error", err)
	}
}
