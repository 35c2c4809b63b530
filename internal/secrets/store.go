// Package secrets keeps parameter and secret values encrypted at rest with
// age, and resolves environment variables that refer to them.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

var (
	// ErrNotFound is returned when a parameter or secret does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDecryptionFailed is returned when a stored value cannot be decrypted.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when a value cannot be encrypted.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when an identity is not an age X25519 identity.
	ErrInvalidKey = errors.New("invalid key format")
	// ErrInvalidName is returned for names that are empty or leave the store.
	ErrInvalidName = errors.New("invalid name")
)

// Kind separates the two namespaces values live in.
type Kind string

const (
	KindParameter Kind = "parameters"
	KindSecret    Kind = "secrets"
)

const fileSuffix = ".age"

// Config holds the configuration for the secret store.
type Config struct {
	// Dir holds one encrypted file per value.
	Dir string
	// Identity is the age identity values are encrypted for and decrypted
	// with. Format: AGE-SECRET-KEY-1...
	Identity string
}

// Store reads and writes age-encrypted values below a directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewStore creates a store. The directory is created if missing.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("secrets directory is required")
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(cfg.Identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}
	return &Store{
		dir:       cfg.Dir,
		logger:    logger,
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

// GenerateIdentity returns a new age identity and its public recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Recipient returns the public key values are encrypted for.
func (s *Store) Recipient() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recipient.String()
}

// Put encrypts value and stores it under name, replacing any previous value.
func (s *Store) Put(ctx context.Context, kind Kind, name string, value []byte) error {
	p, err := s.path(kind, name)
	if err != nil {
		return err
	}
	s.mu.RLock()
	ciphertext, err := encrypt(value, s.recipient)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := writeAtomic(p, ciphertext); err != nil {
		return fmt.Errorf("storing %s %q: %w", kind, name, err)
	}
	s.logger.Debug("value stored", "kind", kind, "name", name)
	return nil
}

// Get returns the decrypted value stored under name.
func (s *Store) Get(ctx context.Context, kind Kind, name string) ([]byte, error) {
	p, err := s.path(kind, name)
	if err != nil {
		return nil, err
	}
	ciphertext, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %q: %w", kind, name, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decrypt(ciphertext, s.identity)
}

// Delete removes a value. Deleting a missing value is not an error.
func (s *Store) Delete(ctx context.Context, kind Kind, name string) error {
	p, err := s.path(kind, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s %q: %w", kind, name, err)
	}
	return nil
}

// List returns the names stored in a namespace.
func (s *Store) List(ctx context.Context, kind Kind) ([]string, error) {
	root := filepath.Join(s.dir, string(kind))
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, fileSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix))
		return nil
	})
	return names, err
}

// RotationResult reports a key rotation.
type RotationResult struct {
	// Identity is the new age identity. The caller must persist it.
	Identity string
	Rotated  int
	// Failed maps "kind/name" to the reason a value kept its old encryption.
	Failed map[string]string
}

// Rotate generates a new identity and re-encrypts every stored value for
// it. Values that fail to re-encrypt are reported and left untouched; the
// store keeps using the old identity until every value has moved.
func (s *Store) Rotate(ctx context.Context) (*RotationResult, error) {
	next, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	result := &RotationResult{Identity: next.String(), Failed: make(map[string]string)}

	for _, kind := range []Kind{KindParameter, KindSecret} {
		names, err := s.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", kind, err)
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.reencrypt(ctx, kind, name, next.Recipient()); err != nil {
				s.logger.Error("failed to rotate value", "kind", kind, "name", name, "error", err)
				result.Failed[string(kind)+"/"+name] = err.Error()
				continue
			}
			result.Rotated++
		}
	}

	if len(result.Failed) == 0 {
		s.mu.Lock()
		s.identity, s.recipient = next, next.Recipient()
		s.mu.Unlock()
	}
	s.logger.Info("key rotation completed", "rotated", result.Rotated, "failed", len(result.Failed))
	return result, nil
}

func (s *Store) reencrypt(ctx context.Context, kind Kind, name string, to *age.X25519Recipient) error {
	plaintext, err := s.Get(ctx, kind, name)
	if err != nil {
		return err
	}
	ciphertext, err := encrypt(plaintext, to)
	if err != nil {
		return err
	}
	p, err := s.path(kind, name)
	if err != nil {
		return err
	}
	return writeAtomic(p, ciphertext)
}

// path maps a slash-separated name to its file. Leading slashes are
// ignored so "/app/db/password" and "app/db/password" are the same value.
func (s *Store) path(kind Kind, name string) (string, error) {
	if kind != KindParameter && kind != KindSecret {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || strings.Contains(name, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, string(kind), filepath.FromSlash(clean)+fileSuffix), nil
}

func encrypt(plaintext []byte, to age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func writeAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}
