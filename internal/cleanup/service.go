// Package cleanup removes what finished builds leave behind: expired
// metrics and workspace directories orphaned by a crash.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Default values for cleanup settings.
const (
	DefaultInterval           = time.Hour
	DefaultWorkspaceRetention = 24 * time.Hour // longer than the maximum build timeout
)

// Settings holds cleanup configuration.
type Settings struct {
	Interval time.Duration `json:"interval"`
	// WorkspaceRetention is how old an unclaimed workspace must be before removal.
	WorkspaceRetention time.Duration `json:"workspace_retention"`
}

// Validate validates that all cleanup settings have positive values.
func (s *Settings) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	if s.WorkspaceRetention <= 0 {
		return fmt.Errorf("workspace_retention must be positive, got %v", s.WorkspaceRetention)
	}
	return nil
}

// MetricsExpirer drops metrics older than its retention period.
type MetricsExpirer interface {
	CleanupExpired(ctx context.Context) int
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	MetricsExpired    int      `json:"metrics_expired"`
	WorkspacesRemoved int      `json:"workspaces_removed"`
	Errors            []string `json:"errors,omitempty"`
}

// Service periodically removes stale build state.
type Service struct {
	metrics  MetricsExpirer
	dirs     []string
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSettings replaces the default settings.
func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// WithClock replaces the time source used for age checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a cleanup service. dirs are workspace roots whose
// immediate children are per-build directories.
func NewService(metrics MetricsExpirer, dirs []string, opts ...Option) (*Service, error) {
	s := &Service{
		metrics: metrics,
		dirs:    dirs,
		settings: Settings{
			Interval:           DefaultInterval,
			WorkspaceRetention: DefaultWorkspaceRetention,
		},
		logger: slog.Default(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.settings.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs a cleanup pass every interval until Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.settings.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the background loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RunOnce performs one cleanup pass.
func (s *Service) RunOnce(ctx context.Context) *CleanupResult {
	result := &CleanupResult{}
	if s.metrics != nil {
		result.MetricsExpired = s.metrics.CleanupExpired(ctx)
	}
	removed, err := s.CleanupWorkspaces(ctx, s.settings.WorkspaceRetention)
	result.WorkspacesRemoved = removed
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if result.MetricsExpired > 0 || result.WorkspacesRemoved > 0 || len(result.Errors) > 0 {
		s.logger.Info("cleanup completed",
			"metrics_expired", result.MetricsExpired,
			"workspaces_removed", result.WorkspacesRemoved,
			"errors", len(result.Errors),
		)
	}
	return result
}

// CleanupWorkspaces removes per-build directories not modified within
// retention. Builds clean up after themselves; what remains was left by a
// process that died mid-build.
func (s *Service) CleanupWorkspaces(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	removed := 0
	var errs []error
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("reading %s: %w", dir, err))
			}
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			if !e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
				continue
			}
			s.logger.Debug("removed stale workspace", "path", p, "modified", info.ModTime())
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
