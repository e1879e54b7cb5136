package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vango-dev/routeloader/internal/config"
	"github.com/vango-dev/routeloader/pkg/ssr"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color", "-r", "testdata/routes.yaml"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestMatchCommand(t *testing.T) {
	out, err := run(t, "match", "/posts/42", "--wait=1s")
	if err != nil {
		t.Fatalf("match error = %v", err)
	}
	for _, want := range []string{"/posts/42", "/posts/$postId", "postId=42", `"post 42"`, "comments=resolved"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMatchCommand_Redirect(t *testing.T) {
	out, err := run(t, "match", "/old/7")
	if err != nil {
		t.Fatalf("match error = %v", err)
	}
	if !strings.Contains(out, "/posts/7 (redirected)") {
		t.Errorf("output = %s", out)
	}
}

func TestMatchCommand_JSON(t *testing.T) {
	out, err := run(t, "match", "--json", "/broken")
	if err != nil {
		t.Fatalf("match error = %v", err)
	}
	var p ssr.Payload
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("output is not a payload: %v\n%s", err, out)
	}
	if p.Status != 500 {
		t.Errorf("Status = %d, want 500", p.Status)
	}
}

func TestMatchCommand_Preload(t *testing.T) {
	out, err := run(t, "match", "--preload", "/posts")
	if err != nil {
		t.Fatalf("match error = %v", err)
	}
	if !strings.Contains(out, "/posts (preload)") {
		t.Errorf("output = %s", out)
	}
}

func TestMatchCommand_MissingFixture(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"-r", "testdata/none.yaml", "match", "/"})
	if err := cmd.Execute(); err == nil {
		t.Error("match with a missing fixture succeeded")
	}
}

func TestTreeCommand(t *testing.T) {
	out, err := run(t, "tree")
	if err != nil {
		t.Fatalf("tree error = %v", err)
	}
	for _, want := range []string{"__root__", "  /posts  (path=/posts loader)", "/old/$postId  (path=/old/$postId beforeLoad)", "6 routes"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "tree", "--candidates", "__root__")
	if err != nil {
		t.Fatalf("tree --candidates error = %v", err)
	}
	if !strings.Contains(out, "1. ") {
		t.Errorf("candidates output = %s", out)
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "init", dir); err != nil {
		t.Fatalf("init error = %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if cfg.MaxRedirects != config.DefaultMaxRedirects {
		t.Errorf("MaxRedirects = %d", cfg.MaxRedirects)
	}

	if _, err := run(t, "init", dir); err == nil {
		t.Error("init over an existing file succeeded without --force")
	}
	if _, err := run(t, "init", "--force", dir); err != nil {
		t.Errorf("init --force error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ConfigFileName)); err != nil {
		t.Error(err)
	}
}

func TestConfigFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"maxRedirects": 1, "notFoundMode": "root"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", path, "match", "/old/1"); err != nil {
		t.Errorf("match with config error = %v", err)
	}
	if _, err := run(t, "--config", filepath.Join(dir, "missing.json"), "match", "/"); err == nil {
		t.Error("match with a missing config succeeded")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--short")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("version = %q, want %q", out, version)
	}
}
