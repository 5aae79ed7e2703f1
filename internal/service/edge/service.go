// Package edge generates the serving-host configuration that routes
// visitor traffic: bundle assets with immutable caching, everything else
// to the environment's entry document.
package edge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"log/slog"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

const configTemplate = `# Managed by iwad, regenerated on every apply. Manual edits are lost.

upstream iwad_backend {
    server {{ .Upstream }};
}
{{ range .Environments }}
server {
    listen 80;
    server_name {{ .Slug }}.{{ $.Domain }};

    location /bundles/ {
        proxy_pass http://iwad_backend;
        proxy_set_header Host $host;
        add_header Cache-Control "public, max-age=31536000, immutable" always;
    }

    location / {
        rewrite ^ /sites/{{ .Slug }}/index.html break;
        proxy_pass http://iwad_backend;
        proxy_set_header Host $host;
        add_header Cache-Control "no-store" always;
    }
}
{{ end }}`

var configTmpl = template.Must(template.New("edge").Parse(configTemplate))

type templateData struct {
	Upstream     string
	Domain       string
	Environments []domain.Environment
}

// EnvironmentLister enumerates the deployment targets to route.
type EnvironmentLister interface {
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// Service renders and applies edge routing configuration.
type Service struct {
	envs     EnvironmentLister
	logger   *slog.Logger
	path     string
	reload   string
	domain   string
	upstream string
}

// New constructs an edge service. The service stays inert until an output
// path is configured.
func New(envs EnvironmentLister, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{
		envs:     envs,
		logger:   logger,
		path:     cfg.EdgeConfigPath,
		reload:   cfg.EdgeReloadCommand,
		domain:   cfg.EdgeServerName,
		upstream: cfg.EdgeUpstream,
	}
}

// Enabled reports whether edge config generation is configured.
func (s Service) Enabled() bool {
	return s.path != ""
}

// Render produces the complete edge configuration, one server block per
// environment.
func (s Service) Render(ctx context.Context) ([]byte, error) {
	environments, err := s.envs.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = configTmpl.Execute(&buf, templateData{
		Upstream:     s.upstream,
		Domain:       s.domain,
		Environments: environments,
	})
	if err != nil {
		return nil, fmt.Errorf("render edge config: %w", err)
	}
	return buf.Bytes(), nil
}

// Apply renders the configuration, swaps it into place, and runs the reload
// command. A configuration identical to the one on disk is left alone and
// triggers no reload.
func (s Service) Apply(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	rendered, err := s.Render(ctx)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(s.path)
	if err == nil && bytes.Equal(current, rendered) {
		return nil
	}

	if err := writeConfig(s.path, rendered); err != nil {
		return fmt.Errorf("write edge config: %w", err)
	}
	s.logger.Info("edge config written", "path", s.path, "bytes", len(rendered))

	parts := strings.Fields(s.reload)
	if len(parts) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("edge reload %q: %w: %s", s.reload, err, strings.TrimSpace(string(output)))
	}
	s.logger.Info("edge reloaded", "command", s.reload)
	return nil
}

// writeConfig replaces the config file atomically so the edge proxy never
// reads a half-written file.
func writeConfig(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".edge-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
