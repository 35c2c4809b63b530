package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/narvanalabs/buildengine/internal/models"
)

// CloneError represents a detailed error from a git operation.
type CloneError struct {
	// GitURL is the URL that was being cloned
	GitURL string

	// GitRef is the ref that was being checked out
	GitRef string

	// Stderr contains the git stderr output
	Stderr string

	// ExitCode is the exit code from git
	ExitCode int

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git clone failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return fmt.Sprintf("git clone failed: %v", e.Err)
	}
	return fmt.Sprintf("git clone failed with exit code %d", e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CloneError) Unwrap() error {
	return e.Err
}

// RefNotFound reports whether git could not find the requested ref or
// repository, which is a problem with the build's configuration rather
// than with the engine.
func (e *CloneError) RefNotFound() bool {
	s := strings.ToLower(e.Stderr)
	for _, marker := range []string{
		"couldn't find remote ref",
		"not found in upstream",
		"did not match any",
		"repository not found",
		"does not appear to be a git repository",
		"authentication failed",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// AsCloneError attempts to convert an error to a CloneError.
func AsCloneError(err error) (*CloneError, bool) {
	var cloneErr *CloneError
	if errors.As(err, &cloneErr) {
		return cloneErr, true
	}
	return nil, false
}

// cloneOptions are the git settings taken from a ProjectSource.
type cloneOptions struct {
	depth       int
	submodules  bool
	insecureSSL bool
	token       string
}

func optionsFor(src models.ProjectSource) cloneOptions {
	opts := cloneOptions{
		depth:       src.GitCloneDepth,
		insecureSSL: src.InsecureSSL,
	}
	if src.GitSubmodulesConfig != nil {
		opts.submodules = src.GitSubmodulesConfig.FetchSubmodules
	}
	if src.Auth != nil && strings.EqualFold(src.Auth.Type, "OAUTH") {
		opts.token = src.Auth.Resource
	}
	return opts
}

// globalArgs are passed before the git subcommand.
func (o cloneOptions) globalArgs() []string {
	var args []string
	if o.insecureSSL {
		args = append(args, "-c", "http.sslVerify=false")
	}
	if o.token != "" {
		args = append(args, "-c", "http.extraHeader=Authorization: Bearer "+o.token)
	}
	return args
}

func (o cloneOptions) depthArgs() []string {
	if o.depth <= 0 {
		return nil
	}
	return []string{"--depth", strconv.Itoa(o.depth)}
}

// cloneRepository clones gitURL into destPath and checks out gitRef. An
// empty ref checks out the default branch. A clone depth of zero fetches
// the full history.
func cloneRepository(ctx context.Context, gitURL, gitRef, destPath string, opts cloneOptions) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", &CloneError{
			GitURL: gitURL,
			GitRef: gitRef,
			Err:    fmt.Errorf("failed to create destination directory: %w", err),
		}
	}

	args := append(opts.globalArgs(), "clone")
	args = append(args, opts.depthArgs()...)
	if opts.submodules {
		args = append(args, "--recurse-submodules", "--shallow-submodules")
	}
	if gitRef != "" {
		args = append(args, "--branch", gitRef)
	}
	args = append(args, "--", gitURL, destPath)

	if err := runGit(ctx, gitURL, gitRef, args...); err != nil {
		// Commit SHAs cannot be passed to --branch.
		if gitRef == "" {
			return "", err
		}
		if err := cloneAndCheckout(ctx, gitURL, gitRef, destPath, opts); err != nil {
			return "", err
		}
	}

	commitSHA, err := commitSHA(ctx, destPath)
	if err != nil {
		return "", &CloneError{
			GitURL: gitURL,
			GitRef: gitRef,
			Err:    fmt.Errorf("failed to get commit SHA: %w", err),
		}
	}
	return commitSHA, nil
}

// cloneAndCheckout clones the default branch, then fetches and checks out
// gitRef on its own.
func cloneAndCheckout(ctx context.Context, gitURL, gitRef, destPath string, opts cloneOptions) error {
	_ = os.RemoveAll(destPath)

	clone := append(opts.globalArgs(), "clone")
	clone = append(clone, opts.depthArgs()...)
	clone = append(clone, "--", gitURL, destPath)
	if err := runGit(ctx, gitURL, gitRef, clone...); err != nil {
		return err
	}

	fetch := append(opts.globalArgs(), "-C", destPath, "fetch")
	fetch = append(fetch, opts.depthArgs()...)
	fetch = append(fetch, "origin", gitRef)
	if err := runGit(ctx, gitURL, gitRef, fetch...); err != nil {
		return err
	}

	if err := runGit(ctx, gitURL, gitRef, "-C", destPath, "checkout", "--detach", "FETCH_HEAD"); err != nil {
		return err
	}

	if opts.submodules {
		update := append(opts.globalArgs(), "-C", destPath, "submodule", "update", "--init", "--recursive")
		update = append(update, opts.depthArgs()...)
		return runGit(ctx, gitURL, gitRef, update...)
	}
	return nil
}

func runGit(ctx context.Context, gitURL, gitRef string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CloneError{
			GitURL:   gitURL,
			GitRef:   gitRef,
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return nil
}

// commitSHA returns the HEAD commit of the repository at repoPath.
func commitSHA(ctx context.Context, repoPath string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "HEAD")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
