package source

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildengine/internal/builder"
	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// initRepo creates a git repository with one commit on main and a tag.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=ci", "GIT_AUTHOR_EMAIL=ci@example.com",
			"GIT_COMMITTER_NAME=ci", "GIT_COMMITTER_EMAIL=ci@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "buildspec.yml"), []byte("version: 0.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	run("tag", "v1.0.0")
	return dir
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	f, err := NewFetcher(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetchGitRepository(t *testing.T) {
	repo := initRepo(t)
	f := newTestFetcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ref := range []string{"", "main", "v1.0.0"} {
		res, err := f.Fetch(ctx, builder.FetchRequest{
			BuildID: "api:1",
			Source:  models.ProjectSource{Type: models.SourceTypeGitHub, Location: repo, GitCloneDepth: 1},
			Version: ref,
		})
		if err != nil {
			t.Fatalf("Fetch(%q): %v", ref, err)
		}
		if len(res.ResolvedVersion) != 40 {
			t.Errorf("Fetch(%q) resolved %q, want a commit SHA", ref, res.ResolvedVersion)
		}
		if _, err := os.Stat(filepath.Join(res.Location, "buildspec.yml")); err != nil {
			t.Errorf("Fetch(%q): checkout missing: %v", ref, err)
		}
	}

	if err := f.Cleanup(ctx, "api:1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(f.Workspace("api:1")); !os.IsNotExist(err) {
		t.Error("workspace still exists after Cleanup")
	}
}

func TestFetchUnknownRefIsClientError(t *testing.T) {
	repo := initRepo(t)
	f := newTestFetcher(t)

	_, err := f.Fetch(context.Background(), builder.FetchRequest{
		BuildID: "api:2",
		Source:  models.ProjectSource{Type: models.SourceTypeGitHub, Location: repo},
		Version: "no-such-branch",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !builderrors.IsClientError(err) {
		t.Errorf("error %v is not a client error", err)
	}
}

func TestFetchNoSource(t *testing.T) {
	f := newTestFetcher(t)
	res, err := f.Fetch(context.Background(), builder.FetchRequest{
		BuildID: "api:3",
		Source:  models.ProjectSource{Type: models.SourceTypeNoSource},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.ResolvedVersion != "" {
		t.Errorf("ResolvedVersion = %q", res.ResolvedVersion)
	}
	if info, err := os.Stat(res.Location); err != nil || !info.IsDir() {
		t.Errorf("workspace not created: %v", err)
	}
}

func TestFetchArchiveFromObjectStore(t *testing.T) {
	objects := t.TempDir()
	archive := filepath.Join(objects, "sources", "app.zip")
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, _ := zw.Create("cmd/main.go")
	_, _ = w.Write([]byte("package main\n"))
	_ = zw.Close()
	_ = out.Close()

	f := newTestFetcher(t, WithObjectRoot(objects))
	res, err := f.Fetch(context.Background(), builder.FetchRequest{
		BuildID: "api:4",
		Source:  models.ProjectSource{Type: models.SourceTypeS3, Location: "sources/app.zip"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.ResolvedVersion) != 64 {
		t.Errorf("ResolvedVersion = %q, want sha256", res.ResolvedVersion)
	}
	if _, err := os.Stat(filepath.Join(res.Location, "cmd", "main.go")); err != nil {
		t.Errorf("archive not extracted: %v", err)
	}

	_, err = f.Fetch(context.Background(), builder.FetchRequest{
		BuildID: "api:4",
		Source:  models.ProjectSource{Type: models.SourceTypeS3, Location: "../outside.zip"},
	})
	if !builderrors.IsClientError(err) {
		t.Errorf("escaping location: %v", err)
	}
}

func TestSafeNameStaysInOneDirectory(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("safe names never contain separators or parent references", prop.ForAll(
		func(s string) bool {
			name := safeName(s)
			return name != "" && name != "." && name != ".." &&
				filepath.Base(name) == name && within("/ws", filepath.Join("/ws", name))
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
