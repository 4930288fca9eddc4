package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"illustpub/internal/testsupport"
)

type cliEnv struct {
	dir        string
	configPath string
}

func setupCLITestEnv(t *testing.T, resolverURL string) cliEnv {
	t.Helper()
	dir := t.TempDir()
	if resolverURL == "" {
		resolverURL = "http://127.0.0.1:1"
	}
	content := fmt.Sprintf(`[paths]
media_dir = %q
preview_dir = %q
work_dir = %q
lock_dir = %q
log_dir = %q
accounts_file = %q

[database]
driver = "sqlite"
sqlite_path = %q

[resolution]
base_url = %q
retry_backoff_ms = 1

[tasks]
wait_timeout_seconds = 10

[logging]
level = "error"
`,
		filepath.Join(dir, "media"),
		filepath.Join(dir, "previews"),
		filepath.Join(dir, "work"),
		filepath.Join(dir, "locks"),
		filepath.Join(dir, "logs"),
		filepath.Join(dir, "accounts.yaml"),
		filepath.Join(dir, "catalogue.db"),
		resolverURL,
	)
	configPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	registry := "destinations:\n  - id: acct1\n    tag_groups:\n      - [landscape]\n"
	if err := os.WriteFile(filepath.Join(dir, "accounts.yaml"), []byte(registry), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return cliEnv{dir: dir, configPath: configPath}
}

func runCLI(t *testing.T, args []string, configPath string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q in output:\n%s", want, out)
	}
}

func writeSeed(t *testing.T, dir string) string {
	t.Helper()
	seed := `images:
  - pid: 101
    tags: [Landscape, sky]
    popularity: 1200
    author: painter
  - pid: 102
    tags: [portrait]
    popularity: 800
  - pid: 103
    tags: [landscape, r-18]
    popularity: 500
`
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "illustpub.toml")
	out, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config at %s: %v", target, err)
	}

	if _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected refusal to overwrite without --overwrite")
	}
}

func TestMigrateSeedAndQuery(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, err := runCLI(t, []string{"migrate"}, env.configPath)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	requireContains(t, out, "up to date")

	out, err = runCLI(t, []string{"seed", writeSeed(t, env.dir)}, env.configPath)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	requireContains(t, out, "Seeded 3 images")

	out, err = runCLI(t, []string{"query", "-d", "acct1", "--include", "landscape", "--exclude", "r-18"}, env.configPath)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	requireContains(t, out, "101")
	requireContains(t, out, "1,200")
	if strings.Contains(out, "102") || strings.Contains(out, "103") {
		t.Fatalf("unexpected rows in:\n%s", out)
	}

	out, err = runCLI(t, []string{"query", "-d", "acct1", "--account-tags", "--limit", "5"}, env.configPath)
	if err != nil {
		t.Fatalf("query with account tags: %v", err)
	}
	requireContains(t, out, "101")
	requireContains(t, out, "103")
}

func TestMaterializeReportsItems(t *testing.T) {
	jpeg := testsupport.JPEG(t, 32, 32, 0)
	resolver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("size") != "small" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(jpeg)
	}))
	defer resolver.Close()

	env := setupCLITestEnv(t, resolver.URL)
	if _, err := runCLI(t, []string{"seed", writeSeed(t, env.dir)}, env.configPath); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := runCLI(t, []string{"materialize", "101", "999"}, env.configPath)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	requireContains(t, out, "Downloaded 1 of 2")
	requireContains(t, out, "small")
	requireContains(t, out, "not_found")

	if _, err := os.Stat(filepath.Join(env.dir, "media", "@painter pid_101.jpg")); err != nil {
		t.Fatalf("expected media file: %v", err)
	}

	if _, err := runCLI(t, []string{"materialize", "999"}, env.configPath); err == nil {
		t.Fatal("expected an error when every item fails")
	}
}
