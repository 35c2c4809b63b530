package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// Disk usage thresholds, in percent.
const (
	// DiskWarningThreshold is the percentage at which a warning is logged.
	DiskWarningThreshold = 80.0

	// DiskCriticalThreshold is the percentage at which stale workspaces are
	// removed regardless of age.
	DiskCriticalThreshold = 90.0
)

// DiskStats describes the filesystem holding a path.
type DiskStats struct {
	Path         string  `json:"path"`
	TotalBytes   uint64  `json:"total_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// StatFunc reports disk usage of the filesystem holding path.
type StatFunc func(path string) (*DiskStats, error)

// Statfs reads disk usage with statfs(2).
func Statfs(path string) (*DiskStats, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	stats := &DiskStats{Path: path, TotalBytes: total, FreeBytes: free}
	if total > 0 {
		stats.UsagePercent = float64(total-free) / float64(total) * 100
	}
	return stats, nil
}

// DiskMonitor watches the data directory and frees space when it fills up.
type DiskMonitor struct {
	path           string
	stat           StatFunc
	cleanupService *Service
	logger         *slog.Logger
}

// NewDiskMonitor creates a new disk monitor for path.
func NewDiskMonitor(path string, cleanupSvc *Service, stat StatFunc, logger *slog.Logger) *DiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if stat == nil {
		stat = Statfs
	}
	return &DiskMonitor{
		path:           path,
		stat:           stat,
		cleanupService: cleanupSvc,
		logger:         logger,
	}
}

// Check logs a warning above DiskWarningThreshold. Above
// DiskCriticalThreshold it removes every unclaimed workspace older than
// the cleanup interval and reports true.
func (m *DiskMonitor) Check(ctx context.Context) (bool, error) {
	stats, err := m.stat(m.path)
	if err != nil {
		return false, err
	}

	switch {
	case stats.UsagePercent >= DiskCriticalThreshold:
		m.logger.Error("disk usage critical, removing stale workspaces",
			"path", stats.Path,
			"usage_percent", stats.UsagePercent,
			"free_bytes", stats.FreeBytes,
		)
		if m.cleanupService == nil {
			return false, nil
		}
		removed, err := m.cleanupService.CleanupWorkspaces(ctx, m.cleanupService.settings.Interval)
		m.logger.Info("emergency workspace cleanup", "removed", removed)
		return true, err
	case stats.UsagePercent >= DiskWarningThreshold:
		m.logger.Warn("disk usage warning",
			"path", stats.Path,
			"usage_percent", stats.UsagePercent,
			"free_bytes", stats.FreeBytes,
		)
	}
	return false, nil
}

// Watch calls Check every interval until ctx is done.
func (m *DiskMonitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("disk check failed", "path", m.path, "error", err)
			}
		}
	}
}
