// Package source makes build input available on local disk: git
// repositories, archives from the object store and empty workspaces for
// builds without source.
package source

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/buildengine/internal/builder"
	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// ErrUnsupportedSource is returned for source types the fetcher cannot handle.
var ErrUnsupportedSource = errors.New("unsupported source type")

// Option is a functional option for configuring the Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithObjectRoot sets the directory S3 source locations are resolved against.
func WithObjectRoot(root string) Option {
	return func(f *Fetcher) {
		f.objectRoot = root
	}
}

// Fetcher checks sources out into a workspace directory per build.
type Fetcher struct {
	root       string
	objectRoot string
	logger     *slog.Logger
}

// NewFetcher creates a fetcher that keeps workspaces under root.
func NewFetcher(root string, opts ...Option) (*Fetcher, error) {
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	f := &Fetcher{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return f, nil
}

// Workspace returns the directory holding every source of a build.
func (f *Fetcher) Workspace(buildID string) string {
	return filepath.Join(f.root, safeName(buildID))
}

// Fetch implements builder.SourceFetcher.
func (f *Fetcher) Fetch(ctx context.Context, req builder.FetchRequest) (*builder.FetchResult, error) {
	dir := "src"
	if req.Source.SourceIdentifier != "" {
		dir = filepath.Join("secondary", safeName(req.Source.SourceIdentifier))
	}
	dest := filepath.Join(f.Workspace(req.BuildID), dir)
	logger := f.logger.With("build_id", req.BuildID, "source_type", req.Source.Type, "dest", dest)

	// A retried fetch starts from an empty directory.
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("clearing workspace: %w", err)
	}

	switch {
	case req.Source.Type == models.SourceTypeNoSource:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
		return &builder.FetchResult{Location: dest}, nil

	case req.Source.Type.IsGit():
		logger.Info("cloning repository", "ref", req.Version)
		sha, err := cloneRepository(ctx, req.Source.Location, req.Version, dest, optionsFor(req.Source))
		if err != nil {
			if ce, ok := AsCloneError(err); ok && ce.RefNotFound() {
				return nil, builderrors.NewClientError(err, builderrors.CodeSourceDownloadFailed)
			}
			return nil, err
		}
		return &builder.FetchResult{ResolvedVersion: sha, Location: dest}, nil

	case req.Source.Type == models.SourceTypeS3:
		logger.Info("fetching source object", "location", req.Source.Location)
		version, err := f.fetchObject(req.Source.Location, dest)
		if err != nil {
			return nil, err
		}
		return &builder.FetchResult{ResolvedVersion: version, Location: dest}, nil

	default:
		return nil, builderrors.NewClientError(fmt.Errorf("%w: %s", ErrUnsupportedSource, req.Source.Type), builderrors.CodeClientError)
	}
}

// Cleanup removes a build's workspace.
func (f *Fetcher) Cleanup(ctx context.Context, buildID string) error {
	if err := os.RemoveAll(f.Workspace(buildID)); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

// fetchObject copies a ZIP archive or directory from the object store into
// dest. The version of an archive is its sha256.
func (f *Fetcher) fetchObject(location, dest string) (string, error) {
	if f.objectRoot == "" {
		return "", errors.New("no object store configured for S3 sources")
	}
	path := filepath.Join(f.objectRoot, filepath.FromSlash(strings.TrimPrefix(location, "/")))
	if !within(f.objectRoot, path) {
		return "", builderrors.NewClientError(fmt.Errorf("source location %q escapes the object store", location), builderrors.CodeClientError)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", builderrors.NewClientError(fmt.Errorf("source object %q not found", location), builderrors.CodeSourceDownloadFailed)
		}
		return "", err
	}
	if info.IsDir() {
		return "", copyTree(path, dest)
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return "", err
	}
	return sum, unzip(path, dest)
}

func unzip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return builderrors.NewClientError(fmt.Errorf("opening source archive: %w", err), builderrors.CodeSourceDownloadFailed)
	}
	defer r.Close()

	for _, zf := range r.File {
		target := filepath.Join(dest, filepath.FromSlash(zf.Name))
		if !within(dest, target) {
			return builderrors.NewClientError(fmt.Errorf("archive entry %q escapes the workspace", zf.Name), builderrors.CodeSourceDownloadFailed)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return fmt.Errorf("extracting %s: %w", zf.Name, err)
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := zf.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, zf.Mode()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeName turns an identifier into a single path element.
func safeName(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
