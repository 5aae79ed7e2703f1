// Package client provides typed access to the iwad API for interactive
// tools and CI pipelines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client talks to one iwad control plane.
type Client struct {
	baseURL    string
	token      string
	actor      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the operator token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithActor names the operator in audit trails and release records.
func WithActor(actor string) Option {
	return func(c *Client) {
		c.actor = strings.TrimSpace(actor)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// Publishing large bundles can legitimately take a while; the
		// context, not the transport, bounds individual calls.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, v)
}

func (c *Client) send(req *http.Request, v any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Bundle reflects API bundle payloads.
type Bundle struct {
	Version     string    `json:"version"`
	Digest      string    `json:"digest"`
	Tag         string    `json:"tag"`
	TotalBytes  int64     `json:"total_bytes"`
	VarNames    []string  `json:"var_names"`
	Entrypoints []string  `json:"entrypoints"`
	PublishedAt time.Time `json:"published_at"`
}

// BundleAsset is one file inside a published bundle.
type BundleAsset struct {
	Path        string `json:"path"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// BundleDetail couples a bundle with its asset manifest.
type BundleDetail struct {
	Bundle Bundle        `json:"bundle"`
	Assets []BundleAsset `json:"assets"`
}

// PublishInput describes a bundle upload from a local build directory.
type PublishInput struct {
	// Dir is the built asset directory; every regular file under it is
	// uploaded with its path relative to Dir.
	Dir               string
	Tag               string
	Entrypoints       []string
	EnvVarNames       []string
	ForbiddenPatterns []string
}

// PublishBundle streams the build directory to the API as a multipart
// upload and returns the recorded bundle.
func (c *Client) PublishBundle(ctx context.Context, input PublishInput) (Bundle, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writePublishBody(mw, input))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bundles", pr)
	if err != nil {
		return Bundle{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var bundle Bundle
	if err := c.send(req, &bundle); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// writePublishBody emits the manifest part followed by one asset part per
// file under the build directory. Asset part filenames carry the
// slash-separated relative path.
func writePublishBody(mw *multipart.Writer, input PublishInput) error {
	manifest, err := mw.CreateFormField("manifest")
	if err != nil {
		return err
	}
	err = json.NewEncoder(manifest).Encode(map[string]any{
		"tag":                input.Tag,
		"entrypoints":        input.Entrypoints,
		"env_var_names":      input.EnvVarNames,
		"forbidden_patterns": input.ForbiddenPatterns,
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	root := filepath.Clean(input.Dir)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("asset", filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(part, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("stream assets: %w", err)
	}
	return mw.Close()
}

// ListBundles returns published bundles, newest first.
func (c *Client) ListBundles(ctx context.Context, limit, offset int) ([]Bundle, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/bundles"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Bundles []Bundle `json:"bundles"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bundles, nil
}

// GetBundle fetches one bundle and its asset manifest.
func (c *Client) GetBundle(ctx context.Context, version string) (BundleDetail, error) {
	var detail BundleDetail
	err := c.do(ctx, http.MethodGet, "/v1/bundles/"+url.PathEscape(version), nil, &detail)
	if err != nil {
		return BundleDetail{}, err
	}
	return detail, nil
}

// Environment reflects API environment payloads.
type Environment struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Protected bool      `json:"protected"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnvironmentDetail couples an environment with its live release, if any.
type EnvironmentDetail struct {
	Environment   Environment `json:"environment"`
	ActiveRelease *Release    `json:"active_release"`
}

// CreateEnvironmentInput captures the payload for environment creation.
type CreateEnvironmentInput struct {
	Name      string `json:"name"`
	Slug      string `json:"slug,omitempty"`
	Protected bool   `json:"protected,omitempty"`
}

// CreateEnvironment registers a new deployment target.
func (c *Client) CreateEnvironment(ctx context.Context, input CreateEnvironmentInput) (Environment, error) {
	var env Environment
	if err := c.do(ctx, http.MethodPost, "/v1/environments", input, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// ListEnvironments returns every deployment target.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var resp struct {
		Environments []Environment `json:"environments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/environments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// GetEnvironment fetches one environment and its active release.
func (c *Client) GetEnvironment(ctx context.Context, slug string) (EnvironmentDetail, error) {
	var detail EnvironmentDetail
	err := c.do(ctx, http.MethodGet, "/v1/environments/"+url.PathEscape(slug), nil, &detail)
	if err != nil {
		return EnvironmentDetail{}, err
	}
	return detail, nil
}

// UpdateEnvironmentInput mutates environment metadata. Nil fields are left
// unchanged.
type UpdateEnvironmentInput struct {
	Name      *string `json:"name,omitempty"`
	Protected *bool   `json:"protected,omitempty"`
}

// UpdateEnvironment changes environment metadata.
func (c *Client) UpdateEnvironment(ctx context.Context, slug string, input UpdateEnvironmentInput) (Environment, error) {
	var env Environment
	err := c.do(ctx, http.MethodPost, "/v1/environments/"+url.PathEscape(slug), input, &env)
	if err != nil {
		return Environment{}, err
	}
	return env, nil
}

// Release reflects API release payloads.
type Release struct {
	ID             string         `json:"id"`
	EnvironmentID  string         `json:"environment_id"`
	BundleVersion  string         `json:"bundle_version"`
	Status         string         `json:"status"`
	Variables      map[string]any `json:"variables"`
	Description    string         `json:"description"`
	DocumentSHA    string         `json:"document_sha"`
	RolledBackFrom *string        `json:"rolled_back_from"`
	CreatedBy      string         `json:"created_by"`
	Error          string         `json:"error"`
	CreatedAt      time.Time      `json:"created_at"`
	ActivatedAt    *time.Time     `json:"activated_at"`
	SupersededAt   *time.Time     `json:"superseded_at"`
}

// ReleaseInput captures the payload for a release.
type ReleaseInput struct {
	BundleVersion string         `json:"bundle_version"`
	Variables     map[string]any `json:"variables"`
	Description   string         `json:"description,omitempty"`
	Confirm       bool           `json:"confirm,omitempty"`
}

// CreateRelease binds a published bundle to an environment.
func (c *Client) CreateRelease(ctx context.Context, slug string, input ReleaseInput) (Release, error) {
	var rel Release
	path := "/v1/environments/" + url.PathEscape(slug) + "/releases"
	if err := c.do(ctx, http.MethodPost, path, input, &rel); err != nil {
		return Release{}, err
	}
	return rel, nil
}

// RollbackInput selects a prior release to restore. With neither ToRelease
// nor BundleVersion the most recent previously active release is restored.
type RollbackInput struct {
	ToRelease     string `json:"to_release,omitempty"`
	BundleVersion string `json:"bundle_version,omitempty"`
	Description   string `json:"description,omitempty"`
	Confirm       bool   `json:"confirm,omitempty"`
}

// Rollback restores a previously released bundle with its recorded
// variables.
func (c *Client) Rollback(ctx context.Context, slug string, input RollbackInput) (Release, error) {
	var rel Release
	path := "/v1/environments/" + url.PathEscape(slug) + "/rollback"
	if err := c.do(ctx, http.MethodPost, path, input, &rel); err != nil {
		return Release{}, err
	}
	return rel, nil
}

// ActiveRelease fetches the release an environment currently serves.
func (c *Client) ActiveRelease(ctx context.Context, slug string) (Release, error) {
	var rel Release
	path := "/v1/environments/" + url.PathEscape(slug) + "/releases/active"
	if err := c.do(ctx, http.MethodGet, path, nil, &rel); err != nil {
		return Release{}, err
	}
	return rel, nil
}

// HistoryPage is one page of an environment's release ledger, newest first.
type HistoryPage struct {
	Releases []Release `json:"releases"`
	// NextBefore pages further into history when set.
	NextBefore string `json:"next_before"`
}

// History pages through an environment's release records.
func (c *Client) History(ctx context.Context, slug string, limit int, before string) (HistoryPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		query.Set("before", before)
	}
	path := "/v1/environments/" + url.PathEscape(slug) + "/releases"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// EdgeApply regenerates and applies the edge routing configuration.
func (c *Client) EdgeApply(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/edge/apply", nil, nil)
}
