package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPublishBundleStreamsParts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.js", "console.log(1);")
	writeFile(t, dir, "assets/app.css", "body{}")

	var gotAuth, gotActor string
	assets := make(map[string]string)
	var manifest map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotActor = req.Header.Get("X-Actor")
		mr, err := req.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Errorf("next part: %v", err)
				return
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "manifest":
				if err := json.Unmarshal(data, &manifest); err != nil {
					t.Errorf("manifest json: %v", err)
				}
			case "asset":
				assets[part.FileName()] = string(data)
			default:
				t.Errorf("unexpected part %q", part.FormName())
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"version": "v1.0.0", "digest": "abc"})
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("secret"), WithActor("casey"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	bundle, err := cli.PublishBundle(context.Background(), PublishInput{
		Dir:         dir,
		Tag:         "v1.0.0",
		Entrypoints: []string{"main.js"},
		EnvVarNames: []string{"API"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if bundle.Version != "v1.0.0" {
		t.Fatalf("version = %q", bundle.Version)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotActor != "casey" {
		t.Fatalf("actor = %q", gotActor)
	}
	if manifest["tag"] != "v1.0.0" {
		t.Fatalf("manifest tag = %v", manifest["tag"])
	}
	if assets["main.js"] != "console.log(1);" {
		t.Fatalf("main.js = %q", assets["main.js"])
	}
	// Part.FileName flattens directories, so the nested asset shows up
	// under its base name here; the wire format still carried the full
	// relative path for servers that read the disposition header.
	if assets["app.css"] != "body{}" {
		t.Fatalf("nested asset = %v", assets)
	}
}

func TestCreateReleaseAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/environments/prod/releases" {
			t.Errorf("path = %s", req.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if payload["bundle_version"] == "v9.9.9" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "v9.9.9: release: unknown bundle version"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "rel-1",
			"bundle_version": payload["bundle_version"],
			"status":         "active",
		})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	rel, err := cli.CreateRelease(context.Background(), "prod", ReleaseInput{
		BundleVersion: "v1.0.0",
		Variables:     map[string]any{"API": "https://api.example.com"},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.ID != "rel-1" || rel.Status != "active" {
		t.Fatalf("release = %+v", rel)
	}

	_, err = cli.CreateRelease(context.Background(), "prod", ReleaseInput{BundleVersion: "v9.9.9"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d", apiErr.Status)
	}
	if apiErr.Message == "" {
		t.Fatal("expected error message from body")
	}
}
