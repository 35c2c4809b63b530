package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type countingExpirer struct{ calls int }

func (c *countingExpirer) CleanupExpired(context.Context) int {
	c.calls++
	return 3
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mkdirAged creates dir/name with the given modification time.
func mkdirAged(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Join(p, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSettingsValidate(t *testing.T) {
	if err := (&Settings{Interval: time.Minute, WorkspaceRetention: time.Hour}).Validate(); err != nil {
		t.Errorf("valid settings: %v", err)
	}
	if _, err := NewService(nil, nil, WithSettings(Settings{Interval: time.Minute})); err == nil {
		t.Error("expected an error for zero retention")
	}
}

func TestRunOnceRemovesStaleWorkspaces(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	sources, scratch := t.TempDir(), t.TempDir()
	stale := mkdirAged(t, sources, "api_00000001", now.Add(-48*time.Hour))
	fresh := mkdirAged(t, sources, "api_00000002", now.Add(-time.Hour))
	staleScratch := mkdirAged(t, scratch, "api_00000001", now.Add(-30*time.Hour))
	if err := os.WriteFile(filepath.Join(sources, "README"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	expirer := &countingExpirer{}
	s, err := NewService(expirer, []string{sources, scratch, filepath.Join(sources, "missing")},
		WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunOnce(context.Background())
	if res.WorkspacesRemoved != 2 || res.MetricsExpired != 3 || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, p := range []string{stale, staleScratch} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s not removed", p)
		}
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("recent workspace removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sources, "README")); err != nil {
		t.Error("plain files are not workspaces")
	}
}

func TestStartStop(t *testing.T) {
	expirer := &countingExpirer{}
	s, err := NewService(expirer, nil,
		WithSettings(Settings{Interval: 10 * time.Millisecond, WorkspaceRetention: time.Hour}),
		WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop()
	if expirer.calls == 0 {
		t.Error("no cleanup pass ran")
	}
}

func TestDiskMonitor(t *testing.T) {
	now := time.Now()
	sources := t.TempDir()
	mkdirAged(t, sources, "old", now.Add(-2*time.Hour))
	s, err := NewService(nil, []string{sources}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	usage := 85.0
	stat := func(path string) (*DiskStats, error) {
		return &DiskStats{Path: path, UsagePercent: usage}, nil
	}
	m := NewDiskMonitor(sources, s, stat, quietLogger())

	if triggered, err := m.Check(context.Background()); triggered || err != nil {
		t.Errorf("warning level: triggered=%v err=%v", triggered, err)
	}
	if _, err := os.Stat(filepath.Join(sources, "old")); err != nil {
		t.Fatal("workspace removed below the critical threshold")
	}

	usage = 95
	if triggered, err := m.Check(context.Background()); !triggered || err != nil {
		t.Errorf("critical level: triggered=%v err=%v", triggered, err)
	}
	if _, err := os.Stat(filepath.Join(sources, "old")); !os.IsNotExist(err) {
		t.Error("stale workspace kept at critical usage")
	}
}

func TestStatfs(t *testing.T) {
	stats, err := Statfs(t.TempDir())
	if err != nil {
		t.Skipf("statfs unavailable: %v", err)
	}
	if stats.TotalBytes == 0 || stats.UsagePercent < 0 || stats.UsagePercent > 100 {
		t.Errorf("stats = %+v", stats)
	}
}
