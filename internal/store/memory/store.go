// Package memory provides an in-process implementation of the store interfaces.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
)

// Store keeps projects, builds and logs in maps. Every value handed in or
// out is deep-copied so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	builds   map[string]*models.Build
	logs     map[string][]*models.LogEntry

	projectStore *projectStore
	buildStore   *buildStore
	logStore     *logStore
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		projects: make(map[string]*models.Project),
		builds:   make(map[string]*models.Build),
		logs:     make(map[string][]*models.LogEntry),
	}
	s.projectStore = &projectStore{s}
	s.buildStore = &buildStore{s}
	s.logStore = &logStore{s}
	return s
}

// Projects returns the ProjectStore.
func (s *Store) Projects() store.ProjectStore { return s.projectStore }

// Builds returns the BuildStore.
func (s *Store) Builds() store.BuildStore { return s.buildStore }

// Logs returns the LogStore.
func (s *Store) Logs() store.LogStore { return s.logStore }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

type projectStore struct{ s *Store }

func (p *projectStore) Create(ctx context.Context, project *models.Project) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.projects[project.Name]; ok {
		return store.ErrDuplicateName
	}
	p.s.projects[project.Name] = project.Clone()
	return nil
}

func (p *projectStore) Get(ctx context.Context, name string) (*models.Project, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	project, ok := p.s.projects[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return project.Clone(), nil
}

func (p *projectStore) List(ctx context.Context) ([]*models.Project, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]*models.Project, 0, len(p.s.projects))
	for _, project := range p.s.projects {
		out = append(out, project.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *projectStore) Update(ctx context.Context, project *models.Project) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.projects[project.Name]; !ok {
		return store.ErrNotFound
	}
	p.s.projects[project.Name] = project.Clone()
	return nil
}

func (p *projectStore) Delete(ctx context.Context, name string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.projects[name]; !ok {
		return store.ErrNotFound
	}
	delete(p.s.projects, name)
	return nil
}

type buildStore struct{ s *Store }

func (b *buildStore) Create(ctx context.Context, build *models.Build) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if _, ok := b.s.builds[build.ID]; ok {
		return store.ErrDuplicateName
	}
	b.s.builds[build.ID] = build.Clone()
	return nil
}

func (b *buildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	build, ok := b.s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return build.Clone(), nil
}

func (b *buildStore) BatchGet(ctx context.Context, ids []string) ([]*models.Build, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	out := make([]*models.Build, 0, len(ids))
	for _, id := range ids {
		if build, ok := b.s.builds[id]; ok {
			out = append(out, build.Clone())
		}
	}
	return out, nil
}

func (b *buildStore) ListByProject(ctx context.Context, projectName string, limit int) ([]*models.Build, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	var out []*models.Build
	for _, build := range b.s.builds {
		if build.ProjectName == projectName {
			out = append(out, build.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BuildNumber > out[j].BuildNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *buildStore) ListIncomplete(ctx context.Context) ([]*models.Build, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	var out []*models.Build
	for _, build := range b.s.builds {
		if !build.BuildComplete {
			out = append(out, build.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (b *buildStore) Update(ctx context.Context, build *models.Build) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	existing, ok := b.s.builds[build.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.BuildComplete {
		return store.ErrBuildComplete
	}
	b.s.builds[build.ID] = build.Clone()
	return nil
}

type logStore struct{ s *Store }

func (l *logStore) Append(ctx context.Context, entries []*models.LogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, e := range entries {
		c := *e
		l.s.logs[e.BuildID] = append(l.s.logs[e.BuildID], &c)
	}
	return nil
}

func (l *logStore) List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	entries := l.s.logs[buildID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*models.LogEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (l *logStore) DeleteByBuild(ctx context.Context, buildID string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	delete(l.s.logs, buildID)
	return nil
}
