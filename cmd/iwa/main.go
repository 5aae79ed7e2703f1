package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/ImmutableWebApps/iwa/pkg/api/client"
	"github.com/ImmutableWebApps/iwa/pkg/config"
)

type cliConfig struct {
	APIBaseURL    string `json:"api_base_url"`
	OperatorToken string `json:"operator_token"`
	Actor         string `json:"actor"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "publish":
		err = commandPublish(args)
	case "bundles":
		err = commandBundles(args)
	case "env":
		err = commandEnv(args)
	case "release":
		err = commandRelease(args)
	case "rollback":
		err = commandRollback(args)
	case "active":
		err = commandActive(args)
	case "history":
		err = commandHistory(args)
	case "edge":
		err = commandEdge(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// varsFlag collects repeated --var KEY=VALUE pairs.
type varsFlag struct {
	values map[string]any
}

func (v *varsFlag) String() string {
	if len(v.values) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(v.values))
	for key, value := range v.values {
		pairs = append(pairs, fmt.Sprintf("%s=%v", key, value))
	}
	return strings.Join(pairs, ",")
}

func (v *varsFlag) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", raw)
	}
	if v.values == nil {
		v.values = make(map[string]any)
	}
	v.values[key] = value
	return nil
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	actor := fs.String("actor", "", "Name recorded in audit trails and release records")
	tokenStdin := fs.Bool("token-stdin", false, "Read the operator token from stdin instead of prompting")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	if strings.TrimSpace(*actor) != "" {
		cfg.Actor = strings.TrimSpace(*actor)
	}

	if *tokenStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		cfg.OperatorToken = strings.TrimSpace(line)
	} else {
		fmt.Print("Operator token (empty keeps current): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token := strings.TrimSpace(string(bytes)); token != "" {
			cfg.OperatorToken = token
		}
	}

	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("configured api=%s actor=%s\n", cfg.APIBaseURL, cfg.Actor)
	return nil
}

func commandPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	manifestPath := fs.String("manifest", "iwa.yaml", "Path to the application manifest")
	dir := fs.String("dir", "", "Built asset directory (overrides the manifest dist)")
	tag := fs.String("tag", "", "Version tag, e.g. v1.4.0 (empty derives one from content)")
	fs.Parse(args)

	manifest, err := config.LoadManifest(*manifestPath)
	if err != nil {
		return err
	}
	assetDir := strings.TrimSpace(*dir)
	if assetDir == "" {
		assetDir = filepath.Join(filepath.Dir(*manifestPath), manifest.Dist)
	}
	if info, err := os.Stat(assetDir); err != nil || !info.IsDir() {
		return fmt.Errorf("asset directory %s not found, run your build first", assetDir)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	bundle, err := client.PublishBundle(ctx, apiclient.PublishInput{
		Dir:               assetDir,
		Tag:               strings.TrimSpace(*tag),
		Entrypoints:       manifest.Entrypoints,
		EnvVarNames:       manifest.EnvVarNames,
		ForbiddenPatterns: manifest.ForbiddenPatterns,
	})
	if err != nil {
		return err
	}
	fmt.Printf("published %s digest=%s bytes=%d\n", bundle.Version, bundle.Digest, bundle.TotalBytes)
	return nil
}

func commandBundles(args []string) error {
	if len(args) > 0 && args[0] == "show" {
		return bundlesShow(args[1:])
	}
	fs := flag.NewFlagSet("bundles", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of bundles to display")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bundles, err := client.ListBundles(ctx, *limit, 0)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		digest := b.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Printf("%s\t%s\t%d\t%s\n", b.Version, digest, b.TotalBytes, b.PublishedAt.Format(time.RFC3339))
	}
	return nil
}

func bundlesShow(args []string) error {
	fs := flag.NewFlagSet("bundles show", flag.ExitOnError)
	version := fs.String("version", "", "Bundle version")
	fs.Parse(args)

	if strings.TrimSpace(*version) == "" {
		return errors.New("--version is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	detail, err := client.GetBundle(ctx, *version)
	if err != nil {
		return err
	}
	b := detail.Bundle
	fmt.Printf("version:     %s\n", b.Version)
	fmt.Printf("digest:      %s\n", b.Digest)
	fmt.Printf("published:   %s\n", b.PublishedAt.Format(time.RFC3339))
	fmt.Printf("entrypoints: %s\n", strings.Join(b.Entrypoints, ", "))
	fmt.Printf("variables:   %s\n", strings.Join(b.VarNames, ", "))
	for _, asset := range detail.Assets {
		fmt.Printf("%s\t%d\t%s\n", asset.Path, asset.SizeBytes, asset.ContentType)
	}
	return nil
}

func commandEnv(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: iwa env [list|create|show|protect]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return envList(args[1:])
	case "create":
		return envCreate(args[1:])
	case "show":
		return envShow(args[1:])
	case "protect":
		return envProtect(args[1:])
	default:
		return fmt.Errorf("unknown env command: %s", sub)
	}
}

func envList(args []string) error {
	fs := flag.NewFlagSet("env list", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	envs, err := client.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	for _, env := range envs {
		protected := ""
		if env.Protected {
			protected = "protected"
		}
		fmt.Printf("%s\t%s\t%s\n", env.Slug, env.Name, protected)
	}
	return nil
}

func envCreate(args []string) error {
	fs := flag.NewFlagSet("env create", flag.ExitOnError)
	name := fs.String("name", "", "Environment name")
	slug := fs.String("slug", "", "URL slug (derived from the name when empty)")
	protected := fs.Bool("protected", false, "Require confirmation for releases")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	env, err := client.CreateEnvironment(ctx, apiclient.CreateEnvironmentInput{
		Name:      *name,
		Slug:      *slug,
		Protected: *protected,
	})
	if err != nil {
		return err
	}
	fmt.Printf("environment created: %s (%s)\n", env.Slug, env.Name)
	return nil
}

func envShow(args []string) error {
	fs := flag.NewFlagSet("env show", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	detail, err := client.GetEnvironment(ctx, *slug)
	if err != nil {
		return err
	}
	env := detail.Environment
	fmt.Printf("slug:      %s\n", env.Slug)
	fmt.Printf("name:      %s\n", env.Name)
	fmt.Printf("protected: %t\n", env.Protected)
	if detail.ActiveRelease == nil {
		fmt.Println("active:    none")
		return nil
	}
	rel := detail.ActiveRelease
	fmt.Printf("active:    %s bundle=%s since=%s\n", rel.ID, rel.BundleVersion, formatTime(rel.ActivatedAt))
	return nil
}

func envProtect(args []string) error {
	fs := flag.NewFlagSet("env protect", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	off := fs.Bool("off", false, "Clear the protected flag instead of setting it")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	protected := !*off
	env, err := client.UpdateEnvironment(ctx, *slug, apiclient.UpdateEnvironmentInput{Protected: &protected})
	if err != nil {
		return err
	}
	fmt.Printf("environment %s protected=%t\n", env.Slug, env.Protected)
	return nil
}

func commandRelease(args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	bundle := fs.String("bundle", "", "Bundle version to release")
	description := fs.String("description", "", "Operator note stored with the release")
	confirm := fs.Bool("confirm", false, "Confirm release to a protected environment")
	var vars varsFlag
	fs.Var(&vars, "var", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}
	if strings.TrimSpace(*bundle) == "" {
		return errors.New("--bundle is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rel, err := client.CreateRelease(ctx, *slug, apiclient.ReleaseInput{
		BundleVersion: *bundle,
		Variables:     vars.values,
		Description:   *description,
		Confirm:       *confirm,
	})
	if err != nil {
		return err
	}
	fmt.Printf("release %s status=%s bundle=%s\n", rel.ID, rel.Status, rel.BundleVersion)
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	toRelease := fs.String("to-release", "", "Specific release record to restore")
	bundle := fs.String("bundle", "", "Most recent release of this bundle version to restore")
	description := fs.String("description", "", "Operator note stored with the rollback")
	confirm := fs.Bool("confirm", false, "Confirm rollback of a protected environment")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rel, err := client.Rollback(ctx, *slug, apiclient.RollbackInput{
		ToRelease:     *toRelease,
		BundleVersion: *bundle,
		Description:   *description,
		Confirm:       *confirm,
	})
	if err != nil {
		return err
	}
	from := ""
	if rel.RolledBackFrom != nil {
		from = " restored=" + *rel.RolledBackFrom
	}
	fmt.Printf("rollback %s status=%s bundle=%s%s\n", rel.ID, rel.Status, rel.BundleVersion, from)
	return nil
}

func commandActive(args []string) error {
	fs := flag.NewFlagSet("active", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rel, err := client.ActiveRelease(ctx, *slug)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", rel.ID, rel.BundleVersion, rel.Status, formatTime(rel.ActivatedAt))
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	slug := fs.String("env", "", "Environment slug")
	limit := fs.Int("limit", 20, "Maximum number of records to display")
	before := fs.String("before", "", "Cursor from a previous page")
	fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		return errors.New("--env is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	page, err := client.History(ctx, *slug, *limit, *before)
	if err != nil {
		return err
	}
	for _, rel := range page.Releases {
		note := rel.Description
		if rel.Status == "failed" && rel.Error != "" {
			note = rel.Error
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", rel.ID, rel.Status, rel.BundleVersion, rel.CreatedAt.Format(time.RFC3339), note)
	}
	if page.NextBefore != "" {
		fmt.Printf("more: iwa history --env %s --before %q\n", *slug, page.NextBefore)
	}
	return nil
}

func commandEdge(args []string) error {
	if len(args) == 0 || args[0] != "apply" {
		return errors.New("usage: iwa edge apply")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.EdgeApply(ctx); err != nil {
		return err
	}
	fmt.Println("edge configuration applied")
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := []apiclient.Option{}
	if cfg.OperatorToken != "" {
		opts = append(opts, apiclient.WithToken(cfg.OperatorToken))
	}
	if cfg.Actor != "" {
		opts = append(opts, apiclient.WithActor(cfg.Actor))
	}
	return apiclient.New(cfg.APIBaseURL, opts...)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "iwa", "config.json"), nil
}

func printUsage() {
	fmt.Printf("iwa CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	iwa config [--api http://localhost:4000] [--actor name] [--token-stdin]
	iwa publish [--manifest iwa.yaml] [--dir dist] [--tag v1.4.0]
	iwa bundles [--limit N]
	iwa bundles show --version <version>
	iwa env list
	iwa env create --name <name> [--slug <slug>] [--protected]
	iwa env show --env <slug>
	iwa env protect --env <slug> [--off]
	iwa release --env <slug> --bundle <version> [--var KEY=VALUE ...] [--description note] [--confirm]
	iwa rollback --env <slug> [--to-release id | --bundle version] [--confirm]
	iwa active --env <slug>
	iwa history --env <slug> [--limit N] [--before cursor]
	iwa edge apply
	iwa version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
