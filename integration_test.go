package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestFullWorkflow drives the built binary through sync, status and reset.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "bpsync")
	if err := buildBinary(bin); err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dist/a.tgz", "/dist/b.tgz":
			fmt.Fprintf(w, "contents of %s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	env := append(os.Environ(), "XDG_CONFIG_HOME="+filepath.Join(tmpDir, "config"))
	run := func(args ...string) (string, int) {
		cmd := exec.Command(bin, args...)
		cmd.Env = env
		cmd.Dir = tmpDir
		out, err := cmd.CombinedOutput()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			return string(out), 0
		case errors.As(err, &exitErr):
			return string(out), exitErr.ExitCode()
		default:
			t.Fatalf("Command %v failed to start: %v", args, err)
			return "", -1
		}
	}

	t.Run("CLI_Commands", func(t *testing.T) {
		for _, args := range [][]string{{"version"}, {"--help"}, {"completion", "bash"}} {
			if out, code := run(args...); code != 0 {
				t.Fatalf("Command %v exited %d: %s", args, code, out)
			}
		}
	})

	t.Run("Conflicting_Modes", func(t *testing.T) {
		out, code := run("sync", "--registry", "localhost:5000/deps", "--fetch-only", "--publish-only")
		if code != 1 {
			t.Fatalf("expected exit 1, got %d: %s", code, out)
		}
	})

	manifest := writeManifest(t, tmpDir, srv.URL+"/dist/a.tgz", srv.URL+"/dist/b.tgz")
	t.Run("Fetch_Only", func(t *testing.T) {
		out, code := run("sync", "--manifest", manifest, "--fetch-only")
		if code != 0 {
			t.Fatalf("fetch-only exited %d: %s", code, out)
		}
		for _, name := range []string{"a.tgz", "b.tgz"} {
			matches, _ := filepath.Glob(filepath.Join(tmpDir, "tmp_downloads", "*", name))
			if len(matches) != 1 {
				t.Fatalf("%s not staged: %v", name, matches)
			}
		}
		out, code = run("status")
		if code != 0 || strings.Count(out, "fetched") != 2 {
			t.Fatalf("status after fetch (exit %d): %s", code, out)
		}
	})

	t.Run("Failed_Task_Exit_Code", func(t *testing.T) {
		broken := writeManifest(t, filepath.Join(tmpDir, "broken"), srv.URL+"/dist/missing.tgz")
		out, code := run("sync", "--manifest", broken, "--fetch-only", "--temp-dir", filepath.Join(tmpDir, "broken", "staging"))
		if code != 2 {
			t.Fatalf("expected exit 2, got %d: %s", code, out)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		out, code := run("reset")
		if code != 0 || !strings.Contains(out, ".bak") {
			t.Fatalf("reset exited %d: %s", code, out)
		}
		if _, err := os.Stat(filepath.Join(tmpDir, "tmp_downloads", "ledger.json")); !os.IsNotExist(err) {
			t.Fatalf("ledger should have been moved aside")
		}
	})
}

func buildBinary(out string) error {
	cmd := exec.Command("go", "build", "-o", out, "./cmd/bpsync")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("build failed: %v\nOutput: %s", err, output)
	}
	return nil
}

func writeManifest(t *testing.T, dir string, uris ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var b strings.Builder
	b.WriteString("api = \"0.7\"\n\n[buildpack]\n  id = \"example/integration\"\n\n[metadata]\n")
	for i, uri := range uris {
		fmt.Fprintf(&b, "\n  [[metadata.dependencies]]\n    id = \"dep-%d\"\n    version = \"1.0.%d\"\n    uri = %q\n", i, i, uri)
	}
	path := filepath.Join(dir, "buildpack.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}
