package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/narvanalabs/buildengine/internal/builder"
	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/secrets"
)

func TestParseBuildspec(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "full document",
			doc: `version: 0.2
env:
  variables:
    GOFLAGS: -mod=vendor
  exported-variables:
    - IMAGE_TAG
phases:
  install:
    commands:
      - go version
  build:
    commands:
      - go build ./...
    finally:
      - echo done
artifacts:
  files:
    - 'bin/**/*'
  discard-paths: yes
reports:
  unit:
    files: ['report.xml']
`,
		},
		{name: "legacy version", doc: "version: 0.1\n"},
		{name: "missing version", doc: "phases: {}\n", wantErr: true},
		{name: "unknown version", doc: "version: 1.0\n", wantErr: true},
		{name: "unknown phase", doc: "version: 0.2\nphases:\n  deploy:\n    commands: [ls]\n", wantErr: true},
		{name: "bad discard-paths", doc: "version: 0.2\nartifacts:\n  discard-paths: maybe\n", wantErr: true},
		{name: "empty exported name", doc: "version: 0.2\nenv:\n  exported-variables: ['']\n", wantErr: true},
		{name: "not yaml", doc: "version: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseBuildspec([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBuildspec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.name == "full document" {
				if !bool(spec.Artifacts.DiscardPaths) {
					t.Error("discard-paths: yes not parsed")
				}
				if got := spec.Phase(models.PhaseBuild).Finally; len(got) != 1 || got[0] != "echo done" {
					t.Errorf("build finally = %v", got)
				}
				if got := spec.Phase(models.PhasePostBuild).Commands; len(got) != 0 {
					t.Errorf("post_build commands = %v, want none", got)
				}
			}
		})
	}
}

func TestLoadBuildspec(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "ci"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ci", "spec.yml"), []byte("version: 0.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadBuildspec(dir, "ci/spec.yml"); err != nil {
		t.Errorf("relative path: %v", err)
	}
	if _, err := LoadBuildspec(dir, "version: 0.2\nphases: {}\n"); err != nil {
		t.Errorf("inline document: %v", err)
	}
	if _, err := LoadBuildspec(dir, ""); err == nil {
		t.Error("expected an error when the default buildspec is missing")
	}
	if _, err := LoadBuildspec(dir, "../escape.yml"); err == nil {
		t.Error("expected an error for a path outside the source")
	}
}

// lineCollector gathers output lines from concurrent writers.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *lineCollector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	e, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func writeSource(t *testing.T, buildspec string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultBuildspecPath), []byte(buildspec), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func execRequest(id string, p models.PhaseType, src string, out *lineCollector) *builder.ExecRequest {
	return &builder.ExecRequest{
		BuildID: id,
		Phase:   p,
		Config: &models.EffectiveConfig{
			ProjectName: "api",
			Environment: models.ProjectEnvironment{
				ComputeType:          models.ComputeTypeSmall,
				EnvironmentVariables: []models.EnvironmentVariable{{Name: "STAGE", Value: "prod"}},
			},
		},
		SourceLocation: src,
		Output:         out.add,
	}
}

func requirePTY(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	_ = tty.Close()
	_ = ptmx.Close()
}

func runPhase(t *testing.T, e *Executor, req *builder.ExecRequest) *builder.ExecResult {
	t.Helper()
	requirePTY(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := e.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run(%s): %v", req.Phase, err)
	}
	return res
}

func TestRunCarriesStateBetweenCommands(t *testing.T) {
	src := writeSource(t, `version: 0.2
env:
  variables:
    GREETING: hello
    STAGE: dev
  exported-variables:
    - IMAGE_TAG
    - UNSET_VAR
phases:
  install:
    commands:
      - mkdir -p out && cd out
      - export IMAGE_TAG="$GREETING-$STAGE"
  build:
    commands:
      - pwd > where.txt
      - echo "building $BUILDENGINE_PROJECT"
      - mkdir -p reports && touch reports/unit.xml
artifacts:
  files: ['**/*']
  base-directory: out
reports:
  unit:
    files: ['reports/*.xml']
    base-directory: out
  lint:
    files: ['**/lint.json']
`)
	e := newTestExecutor(t)
	out := &lineCollector{}

	install := runPhase(t, e, execRequest("api:1", models.PhaseInstall, src, out))
	if install.ExitCode != 0 {
		t.Fatalf("install exit code = %d", install.ExitCode)
	}
	if install.Artifacts == nil || install.Artifacts.BaseDirectory != filepath.Join(src, "out") {
		t.Errorf("artifact selection = %+v", install.Artifacts)
	}
	if len(install.ReportArns) != 0 {
		t.Errorf("install reported %v before any report file existed", install.ReportArns)
	}

	build := runPhase(t, e, execRequest("api:1", models.PhaseBuild, src, out))
	if build.ExitCode != 0 {
		t.Fatalf("build exit code = %d", build.ExitCode)
	}
	if build.Artifacts != nil {
		t.Error("selection reported again after the first phase")
	}
	if len(build.ReportArns) != 1 || !strings.HasSuffix(build.ReportArns[0], "api-unit") {
		t.Errorf("build report arns = %v, want the unit report it produced", build.ReportArns)
	}
	// Project variables win over buildspec variables.
	want := []models.ExportedEnvironmentVariable{{Name: "IMAGE_TAG", Value: "hello-prod"}}
	if len(build.ExportedVariables) != 1 || build.ExportedVariables[0] != want[0] {
		t.Errorf("exported = %v, want %v", build.ExportedVariables, want)
	}
	if _, err := os.Stat(filepath.Join(src, "out", "where.txt")); err != nil {
		t.Errorf("working directory did not carry over: %v", err)
	}
	if !out.contains("building api") {
		t.Errorf("output missing command output: %v", out.lines)
	}
	if !out.contains("Running command mkdir -p out && cd out") {
		t.Errorf("output missing command banner: %v", out.lines)
	}

	post := runPhase(t, e, execRequest("api:1", models.PhasePostBuild, src, out))
	if len(post.ReportArns) != 0 {
		t.Errorf("post_build repeated report arns %v", post.ReportArns)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	src := writeSource(t, `version: 0.2
phases:
  build:
    commands:
      - echo first
      - exit 3
      - echo never
    finally:
      - echo cleanup
`)
	e := newTestExecutor(t)
	out := &lineCollector{}

	res := runPhase(t, e, execRequest("api:2", models.PhaseBuild, src, out))
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Command != "exit 3" {
		t.Errorf("failed command = %q", res.Command)
	}
	if out.contains("never") {
		t.Error("command after the failure ran")
	}
	if !out.contains("cleanup") {
		t.Error("finally commands did not run")
	}
}

func TestRunInvalidBuildspec(t *testing.T) {
	src := writeSource(t, "version: 9\n")
	e := newTestExecutor(t)

	_, err := e.Run(context.Background(), execRequest("api:3", models.PhaseInstall, src, &lineCollector{}))
	be, ok := builderrors.AsBuildError(err)
	if !ok {
		t.Fatalf("error %v is not a build error", err)
	}
	if be.Code != builderrors.CodeBuildspecInvalid {
		t.Errorf("code = %s, want %s", be.Code, builderrors.CodeBuildspecInvalid)
	}
}

func TestRunReturnsWhenCancelled(t *testing.T) {
	src := writeSource(t, "version: 0.2\nphases:\n  build:\n    commands:\n      - sleep 30\n")
	e := newTestExecutor(t)
	requirePTY(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := e.Run(ctx, execRequest("api:4", models.PhaseBuild, src, &lineCollector{}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %s after cancellation", elapsed)
	}
}

func TestProvisionAndCleanup(t *testing.T) {
	e := newTestExecutor(t, WithCapacity(2))
	if e.Capacity() != 2 {
		t.Errorf("Capacity() = %d", e.Capacity())
	}
	cfg := &models.EffectiveConfig{ProjectName: "api"}
	if err := e.Provision(context.Background(), "api:5", cfg); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := os.Stat(e.scratchDir("api:5")); err != nil {
		t.Fatalf("scratch directory missing: %v", err)
	}
	if err := e.Cleanup(context.Background(), "api:5"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(e.scratchDir("api:5")); !os.IsNotExist(err) {
		t.Error("scratch directory still exists")
	}

	missing := newTestExecutor(t, WithShell("no-such-shell-binary"))
	if err := missing.Provision(context.Background(), "api:6", cfg); !errors.Is(err, ErrShellNotFound) {
		t.Errorf("Provision with a missing shell: %v", err)
	}
}

func TestProvisionResolvesSecrets(t *testing.T) {
	identity, _, err := secrets.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	store, err := secrets.NewStore(secrets.Config{Dir: t.TempDir(), Identity: identity}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), secrets.KindParameter, "/api/token", []byte("s3cret")); err != nil {
		t.Fatal(err)
	}

	cfg := &models.EffectiveConfig{
		ProjectName: "api",
		Environment: models.ProjectEnvironment{
			EnvironmentVariables: []models.EnvironmentVariable{
				{Name: "TOKEN", Value: "/api/token", Type: models.EnvironmentVariableParameterStore},
			},
		},
	}

	plain := newTestExecutor(t)
	err = plain.Provision(context.Background(), "api:7", cfg)
	if !errors.Is(err, ErrNoSecretStore) || !builderrors.IsClientError(err) {
		t.Errorf("Provision without a secret store: %v", err)
	}

	e := newTestExecutor(t, WithEnvResolver(store))
	if err := e.Provision(context.Background(), "api:8", cfg); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	e.mu.Lock()
	env := e.baseEnv(&builder.ExecRequest{BuildID: "api:8", Config: cfg}, &Buildspec{})
	e.mu.Unlock()
	if env["TOKEN"] != "s3cret" {
		t.Errorf("TOKEN = %q, want the parameter value", env["TOKEN"])
	}

	cfg.Environment.EnvironmentVariables[0].Value = "/api/missing"
	if err := e.Provision(context.Background(), "api:9", cfg); !builderrors.IsClientError(err) {
		t.Errorf("missing parameter: %v", err)
	}
}
