package release

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/ImmutableWebApps/iwa/internal/domain"
)

// Documents must never be cached: the document is the one mutable object
// in the system and swapping it is what deploys a release.
const NoStoreCacheControl = "no-store"

// documentTemplate is the entire entry document of an environment. It binds
// one immutable bundle version to the environment's runtime variables; no
// application code lives here.
const documentTemplate = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="generator" content="iwad">
<meta name="iwa-environment" content="{{ .Slug }}">
<meta name="iwa-release" content="{{ .ReleaseID }}">
<meta name="iwa-bundle" content="{{ .Version }}">
<meta name="iwa-generated" content="{{ .GeneratedAt }}">
<title>{{ .Title }}</title>
<script>window.env = {{ .Env }};</script>
{{ range .Styles }}<link rel="stylesheet" href="{{ . }}">
{{ end }}</head>
<body>
<div id="app"></div>
{{ range .Scripts }}<script defer src="{{ . }}"></script>
{{ end }}</body>
</html>
`

var documentTmpl = template.Must(template.New("document").Parse(documentTemplate))

type documentData struct {
	Title       string
	Slug        string
	ReleaseID   string
	Version     string
	GeneratedAt string
	Env         map[string]any
	Styles      []string
	Scripts     []string
}

// RenderDocument produces the environment entry document for a release and
// its content hash. Rendering is deterministic for identical inputs: the
// variable block serializes with sorted keys.
func RenderDocument(baseURL string, env *domain.Environment, bundle *domain.Bundle, releaseID string, vars map[string]any, generatedAt time.Time) ([]byte, string, error) {
	base := strings.TrimRight(baseURL, "/")
	var styles, scripts []string
	for _, entry := range bundle.Entrypoints {
		url := base + "/" + bundle.Version + "/" + entry
		if strings.HasSuffix(entry, ".css") {
			styles = append(styles, url)
		} else {
			scripts = append(scripts, url)
		}
	}
	if vars == nil {
		vars = map[string]any{}
	}

	var buf bytes.Buffer
	err := documentTmpl.Execute(&buf, documentData{
		Title:       env.Name,
		Slug:        env.Slug,
		ReleaseID:   releaseID,
		Version:     bundle.Version,
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Env:         vars,
		Styles:      styles,
		Scripts:     scripts,
	})
	if err != nil {
		return nil, "", fmt.Errorf("render document: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

// DocumentKey is the object key of an environment's entry document.
func DocumentKey(slug string) string {
	return "sites/" + slug + "/index.html"
}
