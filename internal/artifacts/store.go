// Package artifacts publishes build output to a directory-backed object store.
package artifacts

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/narvanalabs/buildengine/internal/builder"
	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// LocationPrefix is prepended to object keys in reported artifact locations.
const LocationPrefix = "arn:buildengine:s3:::"

var (
	// ErrNoMatchingFiles is returned when an artifact selection matches nothing.
	ErrNoMatchingFiles = errors.New("no matching artifact paths found")
	// ErrInvalidLocation is returned for artifact locations outside the store.
	ErrInvalidLocation = errors.New("invalid artifact location")
)

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store writes artifacts below a root directory, one object per artifact.
// It remembers what each build wrote until the build is committed or
// cleaned up.
type Store struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	written map[string][]string
}

// NewStore creates a store rooted at root.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	s := &Store{
		root:    root,
		logger:  slog.Default(),
		written: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return s, nil
}

// Upload implements builder.ArtifactStore.
func (s *Store) Upload(ctx context.Context, req *builder.UploadRequest) (*models.BuildArtifacts, error) {
	spec := req.Spec
	out := &models.BuildArtifacts{
		OverrideArtifactName: spec.OverrideArtifactName,
		EncryptionDisabled:   spec.EncryptionDisabled,
		ArtifactIdentifier:   spec.ArtifactIdentifier,
	}
	if spec.Type == models.ArtifactsTypeNone || spec.Type == "" {
		return out, nil
	}

	key, err := objectKey(req)
	if err != nil {
		return nil, builderrors.NewClientError(err, builderrors.CodeArtifactsFailed)
	}
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if !within(s.root, dest) {
		return nil, builderrors.NewClientError(fmt.Errorf("%w: %s", ErrInvalidLocation, key), builderrors.CodeArtifactsFailed)
	}

	files, err := selectFiles(req.Selection.BaseDirectory, req.Selection.Files, req.Selection.DiscardPaths)
	if err != nil {
		return nil, fmt.Errorf("selecting artifact files: %w", err)
	}
	if len(files) == 0 {
		return nil, builderrors.NewClientError(
			fmt.Errorf("%w: %s", ErrNoMatchingFiles, strings.Join(req.Selection.Files, ", ")),
			builderrors.CodeArtifactsFailed,
		)
	}

	recipient := s.recipient(req.EncryptionKey, spec.EncryptionDisabled)
	logger := s.logger.With("build_id", req.BuildID, "key", key, "files", len(files), "encrypted", recipient != nil)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	s.track(req.BuildID, dest)

	if spec.Packaging == models.ArtifactPackagingZip {
		sha, md, err := writeZip(ctx, dest, files, recipient)
		if err != nil {
			return nil, err
		}
		out.Sha256Sum, out.Md5Sum = sha, md
	} else if err := writeTree(ctx, dest, files, recipient); err != nil {
		return nil, err
	}

	out.Location = LocationPrefix + key
	logger.Info("artifact uploaded", "location", out.Location)
	return out, nil
}

// Cleanup implements builder.Cleaner. It removes everything the build wrote.
func (s *Store) Cleanup(ctx context.Context, buildID string) error {
	s.mu.Lock()
	paths := s.written[buildID]
	delete(s.written, buildID)
	s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(paths) > 0 {
		s.logger.Info("removed partial artifacts", "build_id", buildID, "objects", len(paths))
	}
	return errors.Join(errs...)
}

// Commit implements builder.Committer. The build's objects are kept.
func (s *Store) Commit(buildID string) {
	s.mu.Lock()
	delete(s.written, buildID)
	s.mu.Unlock()
}

// Open returns a reader for a stored object given its reported location.
func (s *Store) Open(location string) (*os.File, error) {
	key := strings.TrimPrefix(location, LocationPrefix)
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !within(s.root, p) {
		return nil, ErrInvalidLocation
	}
	return os.Open(p)
}

func (s *Store) track(buildID, p string) {
	s.mu.Lock()
	s.written[buildID] = append(s.written[buildID], p)
	s.mu.Unlock()
}

// recipient returns the age recipient artifacts are encrypted for. Keys
// that are not age recipients refer to keys held elsewhere and are ignored.
func (s *Store) recipient(key string, disabled bool) age.Recipient {
	if key == "" || disabled {
		return nil
	}
	r, err := age.ParseX25519Recipient(key)
	if err != nil {
		s.logger.Debug("encryption key is not an age recipient, storing unencrypted")
		return nil
	}
	return r
}

// objectKey is bucket/path/[build id]/name.
func objectKey(req *builder.UploadRequest) (string, error) {
	spec := req.Spec
	if spec.Location == "" {
		return "", fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}
	parts := []string{spec.Location}
	if spec.Path != "" {
		parts = append(parts, spec.Path)
	}
	if spec.NamespaceType == models.ArtifactNamespaceBuildID {
		id := req.BuildID
		if i := strings.LastIndex(id, ":"); i >= 0 {
			id = id[i+1:]
		}
		parts = append(parts, id)
	}
	name := spec.Name
	if name == "" {
		name = req.ProjectName
	}
	parts = append(parts, name)

	key := path.Clean(strings.Join(parts, "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %s", ErrInvalidLocation, key)
	}
	return key, nil
}

// writeZip packs files into a ZIP archive at dest and returns the sha256 and
// md5 of the stored bytes.
func writeZip(ctx context.Context, dest string, files []file, recipient age.Recipient) (string, string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("creating artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	sha, md := sha256.New(), md5.New()
	var w io.Writer = io.MultiWriter(tmp, sha, md)
	var enc io.WriteCloser
	if recipient != nil {
		if enc, err = age.Encrypt(w, recipient); err != nil {
			tmp.Close()
			return "", "", fmt.Errorf("encrypting artifact: %w", err)
		}
		w = enc
	}

	zw := zip.NewWriter(w)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return "", "", err
		}
		if err := addToZip(zw, f); err != nil {
			tmp.Close()
			return "", "", fmt.Errorf("adding %s: %w", f.rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("writing archive: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			tmp.Close()
			return "", "", fmt.Errorf("encrypting artifact: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", "", fmt.Errorf("publishing artifact: %w", err)
	}
	return hex.EncodeToString(sha.Sum(nil)), hex.EncodeToString(md.Sum(nil)), nil
}

func addToZip(zw *zip.Writer, f file) error {
	in, err := os.Open(f.abs)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = f.rel
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// writeTree copies files below dest, replacing whatever was there.
func writeTree(ctx context.Context, dest string, files []file, recipient age.Recipient) error {
	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(tmp, filepath.FromSlash(f.rel))
		if err := copyFile(f.abs, target, recipient); err != nil {
			return fmt.Errorf("copying %s: %w", f.rel, err)
		}
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("replacing artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("publishing artifact: %w", err)
	}
	return nil
}

func copyFile(src, dest string, recipient age.Recipient) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	var w io.Writer = out
	var enc io.WriteCloser
	if recipient != nil {
		if enc, err = age.Encrypt(out, recipient); err != nil {
			out.Close()
			return err
		}
		w = enc
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// within reports whether p is root or below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
