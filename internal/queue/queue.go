// Package queue holds builds that are waiting for compute capacity.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/buildengine/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrDuplicateBuild is returned when a build is enqueued twice.
	ErrDuplicateBuild = errors.New("build already queued")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
)

// ExpiryFunc is called, outside the queue lock, for a build that waited
// longer than its queued timeout. The build is no longer in the queue.
type ExpiryFunc func(handle models.BuildHandle)

type entry struct {
	handle models.BuildHandle
	timer  *time.Timer
}

// Manager is a per-project FIFO of waiting builds. Projects are independent;
// Projects reports them in round-robin order so no project starves another.
type Manager struct {
	mu       sync.Mutex
	waiting  map[string][]*entry
	index    map[string]string // build id -> project
	rotation []string
	ready    chan struct{}
	closed   bool

	onExpire ExpiryFunc
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithExpiryHandler sets the callback for queued timeouts.
func WithExpiryHandler(fn ExpiryFunc) Option {
	return func(m *Manager) {
		m.onExpire = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an empty queue.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		waiting: make(map[string][]*entry),
		index:   make(map[string]string),
		ready:   make(chan struct{}, 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExpiryHandler replaces the queued-timeout callback. It must be called
// before the first Enqueue.
func (m *Manager) SetExpiryHandler(fn ExpiryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Enqueue appends handle to its project's FIFO and arms the queued timeout.
// A zero QueuedTimeout means the build may wait indefinitely.
func (m *Manager) Enqueue(handle models.BuildHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.index[handle.BuildID]; ok {
		return ErrDuplicateBuild
	}

	e := &entry{handle: handle}
	if handle.QueuedTimeout > 0 {
		id := handle.BuildID
		e.timer = time.AfterFunc(handle.QueuedTimeout, func() { m.expire(id) })
	}

	if len(m.waiting[handle.ProjectName]) == 0 {
		m.rotation = append(m.rotation, handle.ProjectName)
	}
	m.waiting[handle.ProjectName] = append(m.waiting[handle.ProjectName], e)
	m.index[handle.BuildID] = handle.ProjectName

	m.logger.Debug("enqueued build",
		"build_id", handle.BuildID,
		"project", handle.ProjectName,
		"queued_timeout", handle.QueuedTimeout,
	)
	m.notify()
	return nil
}

// AdmitNext removes and returns the oldest waiting build of project, clearing
// its queued timeout. It returns nil when the project has nothing waiting.
func (m *Manager) AdmitNext(project string) *models.BuildHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.waiting[project]
	if len(entries) == 0 {
		return nil
	}
	e := entries[0]
	if e.timer != nil {
		e.timer.Stop()
	}
	m.removeAt(project, 0)

	// Move the project to the back of the rotation.
	m.dropFromRotation(project)
	if len(m.waiting[project]) > 0 {
		m.rotation = append(m.rotation, project)
	}

	h := e.handle
	return &h
}

// Remove takes a build out of the queue without admitting it. It reports
// whether the build was waiting.
func (m *Manager) Remove(buildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.take(buildID)
	if e == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// Contains reports whether buildID is waiting.
func (m *Manager) Contains(buildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[buildID]
	return ok
}

// Projects returns the projects with waiting builds, next-to-serve first.
func (m *Manager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.rotation))
	copy(out, m.rotation)
	return out
}

// Len returns the number of waiting builds.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// LenProject returns the number of waiting builds for project.
func (m *Manager) LenProject(project string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting[project])
}

// Ready is signalled after every Enqueue. Consumers should drain the queue
// when it fires; signals are coalesced.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Close stops every queued-timeout timer and rejects further enqueues.
// Waiting builds are returned so the caller can finalize them.
func (m *Manager) Close() []models.BuildHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	var out []models.BuildHandle
	for _, project := range m.rotation {
		for _, e := range m.waiting[project] {
			if e.timer != nil {
				e.timer.Stop()
			}
			out = append(out, e.handle)
		}
	}
	m.waiting = make(map[string][]*entry)
	m.index = make(map[string]string)
	m.rotation = nil
	return out
}

func (m *Manager) expire(buildID string) {
	m.mu.Lock()
	e := m.take(buildID)
	fn := m.onExpire
	m.mu.Unlock()

	// Admission won the race.
	if e == nil {
		return
	}
	m.logger.Info("queued timeout expired",
		"build_id", buildID,
		"project", e.handle.ProjectName,
		"waited", time.Since(e.handle.EnqueuedAt).Round(time.Millisecond),
	)
	if fn != nil {
		fn(e.handle)
	}
}

// take removes buildID from the queue. Callers hold m.mu.
func (m *Manager) take(buildID string) *entry {
	project, ok := m.index[buildID]
	if !ok {
		return nil
	}
	for i, e := range m.waiting[project] {
		if e.handle.BuildID == buildID {
			m.removeAt(project, i)
			if len(m.waiting[project]) == 0 {
				m.dropFromRotation(project)
			}
			return e
		}
	}
	return nil
}

func (m *Manager) removeAt(project string, i int) {
	entries := m.waiting[project]
	delete(m.index, entries[i].handle.BuildID)
	copy(entries[i:], entries[i+1:])
	entries[len(entries)-1] = nil
	entries = entries[:len(entries)-1]
	if len(entries) == 0 {
		delete(m.waiting, project)
		return
	}
	m.waiting[project] = entries
}

func (m *Manager) dropFromRotation(project string) {
	for i, p := range m.rotation {
		if p == project {
			m.rotation = append(m.rotation[:i], m.rotation[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
