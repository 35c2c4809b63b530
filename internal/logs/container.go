package logs

import (
	"sync"

	"github.com/narvanalabs/buildengine/internal/models"
)

// DefaultTailLines is how many recent lines are kept per running build.
const DefaultTailLines = 5000

// tail keeps the most recent lines of one build. When full, the oldest tenth
// is dropped at once so trimming stays rare.
type tail struct {
	mu       sync.RWMutex
	entries  []*models.LogEntry
	maxLines int
}

func newTail(maxLines int) *tail {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	return &tail{maxLines: maxLines}
}

func (t *tail) add(entries []*models.LogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if len(t.entries) >= t.maxLines {
			n := max(t.maxLines/10, 1)
			t.entries = append(t.entries[:0:0], t.entries[n:]...)
		}
		t.entries = append(t.entries, e)
	}
}

// last returns up to n of the newest lines, oldest first. n <= 0 returns all.
func (t *tail) last(n int) []*models.LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]*models.LogEntry, n)
	copy(out, t.entries[len(t.entries)-n:])
	return out
}
