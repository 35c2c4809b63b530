// Package counter allocates per-project build numbers.
package counter

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyProject is returned when no project name is given.
var ErrEmptyProject = errors.New("project name is required")

// Allocator hands out build numbers. For one project the numbers are strictly
// increasing and never reused, including across concurrent callers.
type Allocator interface {
	Next(ctx context.Context, project string) (int64, error)
}

// Memory is an in-process Allocator.
type Memory struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewMemory creates an empty in-process allocator.
func NewMemory() *Memory {
	return &Memory{last: make(map[string]int64)}
}

// Next returns the next build number for project.
func (m *Memory) Next(_ context.Context, project string) (int64, error) {
	if project == "" {
		return 0, ErrEmptyProject
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[project]++
	return m.last[project], nil
}

// Seed raises the counter for project to at least n, so numbers issued
// before a restart are not handed out again.
func (m *Memory) Seed(project string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.last[project] {
		m.last[project] = n
	}
}
