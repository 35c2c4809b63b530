package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/narvanalabs/buildengine/internal/artifacts"
	"github.com/narvanalabs/buildengine/internal/builder"
	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// Environment variables every command sees.
const (
	EnvBuildID     = "BUILDENGINE_BUILD_ID"
	EnvProject     = "BUILDENGINE_PROJECT"
	EnvSourceDir   = "BUILDENGINE_SRC_DIR"
	EnvComputeType = "BUILDENGINE_COMPUTE_TYPE"
	envFileVar     = "BUILDENGINE_ENV_FILE"
)

var (
	// ErrShellNotFound is returned by Provision when the configured shell is missing.
	ErrShellNotFound = errors.New("shell not found")
	// ErrNoSecretStore is returned by Provision for secret variables when no
	// resolver is configured.
	ErrNoSecretStore = errors.New("no secret store configured")
)

// Option is a functional option for configuring the Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithShell sets the shell commands run in.
func WithShell(shell string) Option {
	return func(e *Executor) {
		e.shell = shell
	}
}

// WithCapacity limits how many builds may run at once.
func WithCapacity(n int) Option {
	return func(e *Executor) {
		e.capacity = n
	}
}

// WithReportArnPrefix sets the prefix report group ARNs are built from.
func WithReportArnPrefix(prefix string) Option {
	return func(e *Executor) {
		e.reportPrefix = prefix
	}
}

// WithEnvResolver sets the resolver for PARAMETER_STORE and
// SECRETS_MANAGER environment variables.
func WithEnvResolver(r EnvResolver) Option {
	return func(e *Executor) {
		e.resolver = r
	}
}

// EnvResolver replaces variable references with the values they name.
type EnvResolver interface {
	Resolve(ctx context.Context, vars []models.EnvironmentVariable) ([]models.EnvironmentVariable, error)
}

// Executor runs buildspec commands on the local host. Each command runs in
// its own shell under a pseudo-terminal; the environment and working
// directory a command leaves behind carry over to the next one.
type Executor struct {
	scratch      string
	shell        string
	capacity     int
	reportPrefix string
	resolver     EnvResolver
	logger       *slog.Logger

	mu       sync.Mutex
	builds   map[string]*buildState
	resolved map[string][]models.EnvironmentVariable
}

// buildState is what the executor remembers about a build between phases.
type buildState struct {
	spec *Buildspec
	env  map[string]string
	dir  string
	// reported holds the report groups already returned.
	reported map[string]bool
}

// New creates an executor that keeps per-build state under scratch.
func New(scratch string, opts ...Option) (*Executor, error) {
	if scratch == "" {
		return nil, errors.New("scratch directory is required")
	}
	e := &Executor{
		scratch:      scratch,
		shell:        "sh",
		reportPrefix: "arn:buildengine:report-group/",
		logger:       slog.Default(),
		builds:       make(map[string]*buildState),
		resolved:     make(map[string][]models.EnvironmentVariable),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	return e, nil
}

// Capacity implements builder.Capacity.
func (e *Executor) Capacity() int {
	return e.capacity
}

// Provision implements builder.Provisioner. It checks the shell exists,
// resolves secret environment variables and prepares the build's scratch
// directory.
func (e *Executor) Provision(ctx context.Context, buildID string, cfg *models.EffectiveConfig) error {
	if _, err := exec.LookPath(e.shell); err != nil {
		return fmt.Errorf("%w: %s", ErrShellNotFound, e.shell)
	}
	vars, err := e.resolveEnv(ctx, cfg.Environment.EnvironmentVariables)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.scratchDir(buildID), 0o700); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	e.mu.Lock()
	e.resolved[buildID] = vars
	e.mu.Unlock()
	e.logger.Debug("environment provisioned", "build_id", buildID, "image", cfg.Environment.Image, "compute_type", cfg.Environment.ComputeType)
	return nil
}

// Cleanup implements builder.Cleaner.
func (e *Executor) Cleanup(ctx context.Context, buildID string) error {
	e.mu.Lock()
	delete(e.builds, buildID)
	delete(e.resolved, buildID)
	e.mu.Unlock()
	if err := os.RemoveAll(e.scratchDir(buildID)); err != nil {
		return fmt.Errorf("removing scratch directory: %w", err)
	}
	return nil
}

func (e *Executor) resolveEnv(ctx context.Context, vars []models.EnvironmentVariable) ([]models.EnvironmentVariable, error) {
	if e.resolver != nil {
		return e.resolver.Resolve(ctx, vars)
	}
	for _, v := range vars {
		if v.Type != "" && v.Type != models.EnvironmentVariablePlaintext {
			return nil, builderrors.NewClientError(
				fmt.Errorf("%w: environment variable %s has type %s", ErrNoSecretStore, v.Name, v.Type),
				builderrors.CodeClientError,
			)
		}
	}
	return vars, nil
}

func (e *Executor) scratchDir(buildID string) string {
	return filepath.Join(e.scratch, strings.NewReplacer("/", "_", ":", "_").Replace(buildID))
}

// Run implements builder.ComputeExecutor.
func (e *Executor) Run(ctx context.Context, req *builder.ExecRequest) (*builder.ExecResult, error) {
	state, res, err := e.state(req)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With("build_id", req.BuildID, "phase", req.Phase)
	phase := state.spec.Phase(req.Phase)

	for _, command := range phase.Commands {
		req.Output("[Container] Running command " + command)
		code, err := e.runCommand(ctx, req, state, command)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			logger.Info("command failed", "command", command, "exit_code", code)
			res.ExitCode = code
			res.Command = command
			break
		}
	}
	for _, command := range phase.Finally {
		if ctx.Err() != nil {
			break
		}
		req.Output("[Container] Running command " + command)
		code, err := e.runCommand(ctx, req, state, command)
		if err != nil {
			return nil, err
		}
		if code != 0 && res.ExitCode == 0 {
			res.ExitCode = code
			res.Command = command
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for _, name := range state.spec.Env.ExportedVariables {
		if v, ok := state.env[name]; ok {
			res.ExportedVariables = append(res.ExportedVariables, models.ExportedEnvironmentVariable{Name: name, Value: v})
		}
	}
	res.ReportArns = e.producedReports(req, state)
	return res, nil
}

// producedReports returns the ARNs of report groups whose files exist now
// and were not returned by an earlier phase.
func (e *Executor) producedReports(req *builder.ExecRequest, state *buildState) []string {
	var arns []string
	for _, name := range sortedKeys(state.spec.Reports) {
		if state.reported[name] {
			continue
		}
		r := state.spec.Reports[name]
		base := filepath.Join(req.SourceLocation, filepath.FromSlash(r.BaseDirectory))
		if !anyFileMatches(base, r.Files) {
			continue
		}
		state.reported[name] = true
		arns = append(arns, e.reportPrefix+req.Config.ProjectName+"-"+name)
	}
	return arns
}

// anyFileMatches reports whether a regular file below base matches one of patterns.
func anyFileMatches(base string, patterns []string) bool {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = artifacts.CleanPattern(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return false
	}
	found := false
	filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		for _, pattern := range cleaned {
			if artifacts.Match(pattern, filepath.ToSlash(rel)) {
				found = true
				return fs.SkipAll
			}
		}
		return nil
	})
	return found
}

// state loads the buildspec the first time a build runs a phase. The
// artifact selections are returned with that first phase.
func (e *Executor) state(req *builder.ExecRequest) (*buildState, *builder.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &builder.ExecResult{}
	if st, ok := e.builds[req.BuildID]; ok {
		return st, res, nil
	}

	spec, err := LoadBuildspec(req.SourceLocation, req.Config.Source.Buildspec)
	if err != nil {
		return nil, nil, builderrors.NewBuildspecError(err).WithPhase(req.Phase)
	}
	if err := os.MkdirAll(e.scratchDir(req.BuildID), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	st := &buildState{spec: spec, env: e.baseEnv(req, spec), dir: req.SourceLocation, reported: make(map[string]bool)}
	e.builds[req.BuildID] = st

	res.Artifacts = selection(req.SourceLocation, spec.Artifacts)
	if len(spec.Artifacts.SecondaryArtifacts) > 0 {
		res.SecondaryArtifacts = make(map[string]builder.ArtifactSelection, len(spec.Artifacts.SecondaryArtifacts))
		for id, a := range spec.Artifacts.SecondaryArtifacts {
			res.SecondaryArtifacts[id] = *selection(req.SourceLocation, a)
		}
	}
	return st, res, nil
}

func selection(sourceDir string, a ArtifactsSpec) *builder.ArtifactSelection {
	if len(a.Files) == 0 {
		return nil
	}
	return &builder.ArtifactSelection{
		BaseDirectory: filepath.Join(sourceDir, filepath.FromSlash(a.BaseDirectory)),
		Files:         append([]string(nil), a.Files...),
		DiscardPaths:  bool(a.DiscardPaths),
	}
}

// baseEnv layers the host PATH, buildspec variables, project variables and
// engine variables. Later layers win. Callers hold e.mu.
func (e *Executor) baseEnv(req *builder.ExecRequest, spec *Buildspec) map[string]string {
	env := map[string]string{
		"PATH": os.Getenv("PATH"),
		"HOME": os.Getenv("HOME"),
		"TERM": "dumb",
	}
	for k, v := range spec.Env.Variables {
		env[k] = v
	}
	vars, ok := e.resolved[req.BuildID]
	if !ok {
		vars = req.Config.Environment.EnvironmentVariables
	}
	for _, v := range vars {
		env[v.Name] = v.Value
	}
	env[EnvBuildID] = req.BuildID
	env[EnvProject] = req.Config.ProjectName
	env[EnvSourceDir] = req.SourceLocation
	env[EnvComputeType] = string(req.Config.Environment.ComputeType)
	for id, dir := range req.SecondaryLocations {
		env[EnvSourceDir+"_"+strings.ToUpper(id)] = dir
	}
	return env
}

// runCommand runs one command and records the environment it leaves
// behind. A non-zero exit is reported as a code, not an error.
func (e *Executor) runCommand(ctx context.Context, req *builder.ExecRequest, st *buildState, command string) (int, error) {
	envFile := filepath.Join(e.scratchDir(req.BuildID), "env")
	script := command + "\n__rc=$?\npwd > \"$" + envFileVar + ".pwd\"\nenv -0 > \"$" + envFileVar + "\"\nexit $__rc\n"

	cmd := exec.CommandContext(ctx, e.shell, "-c", script)
	cmd.Dir = st.dir
	cmd.Env = append(environ(st.env), envFileVar+"="+envFile)
	// pty.Start makes the shell a session leader; kill the whole session.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("starting command: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 200}); err != nil {
		e.logger.Debug("failed to set pty size", "error", err)
	}

	streamLines(ptmx, req.Output)
	_ = ptmx.Close()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, fmt.Errorf("running command: %w", err)
		}
		code = exitErr.ExitCode()
	}

	if env, err := readEnvFile(envFile); err == nil {
		delete(env, envFileVar)
		st.env = env
	}
	if dir, err := os.ReadFile(envFile + ".pwd"); err == nil {
		if d := strings.TrimSpace(string(dir)); d != "" {
			st.dir = d
		}
	}
	return code, nil
}

// streamLines forwards output line by line until the terminal closes.
func streamLines(r io.Reader, out func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out(strings.TrimRight(scanner.Text(), "\r"))
	}
	// Reading a pty whose child has exited fails with EIO; that is EOF.
	// An overlong line stops the scanner; keep draining so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func readEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, kv := range bytes.Split(data, []byte{0}) {
		if len(kv) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(kv), "=")
		if !ok || k == "" || k == "_" || k == "PWD" || k == "OLDPWD" || k == "SHLVL" {
			continue
		}
		env[k] = v
	}
	return env, nil
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
