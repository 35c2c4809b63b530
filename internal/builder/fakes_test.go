package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/builder/retry"
	"github.com/narvanalabs/buildengine/internal/counter"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store/memory"
	"github.com/narvanalabs/buildengine/internal/store/storetest"
)

// fakeClock is a manually advanced clock. Collaborators advance it to
// simulate phases that take time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeFetcher resolves every source to a fixed commit.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []FetchRequest
	fail    []error // returned by successive calls before succeeding
	delay   time.Duration
	clock   *fakeClock
	cleaned []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var err error
	if len(f.fail) > 0 {
		err, f.fail = f.fail[0], f.fail[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if f.clock != nil && req.Source.SourceIdentifier == "" {
		f.clock.Advance(f.delay)
	}
	return &FetchResult{ResolvedVersion: "4f1c2d9", Location: "/work/" + req.BuildID + "/" + req.Source.SourceIdentifier}, nil
}

func (f *fakeFetcher) Cleanup(ctx context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, buildID)
	return nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// phaseBehavior describes how the fake executor handles one phase.
type phaseBehavior struct {
	exitCode int
	err      error
	advance  time.Duration
	// block waits until the build is cancelled.
	block bool
	// ignoreCancel waits on release and never looks at ctx.
	ignoreCancel bool
}

type fakeExecutor struct {
	mu       sync.Mutex
	phases   map[models.PhaseType]phaseBehavior
	clock    *fakeClock
	capacity int
	ran      []models.PhaseType
	started  chan models.PhaseType
	release  chan struct{}
	once     sync.Once
}

func newFakeExecutor(clock *fakeClock) *fakeExecutor {
	return &fakeExecutor{
		phases:  make(map[models.PhaseType]phaseBehavior),
		clock:   clock,
		started: make(chan models.PhaseType, 64),
		release: make(chan struct{}),
	}
}

func (e *fakeExecutor) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	e.mu.Lock()
	b := e.phases[req.Phase]
	e.ran = append(e.ran, req.Phase)
	e.mu.Unlock()

	select {
	case e.started <- req.Phase:
	default:
	}
	req.Output("running " + string(req.Phase))

	switch {
	case b.ignoreCancel:
		<-e.release
	case b.block:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.release:
		}
	}
	if e.clock != nil {
		e.clock.Advance(b.advance)
	}
	if b.err != nil {
		return nil, b.err
	}
	res := &ExecResult{ExitCode: b.exitCode}
	if b.exitCode != 0 {
		res.Command = "make " + string(req.Phase)
	}
	if req.Phase == models.PhaseBuild {
		res.ExportedVariables = []models.ExportedEnvironmentVariable{{Name: "IMAGE_TAG", Value: "v1"}}
		res.Artifacts = &ArtifactSelection{Files: []string{"dist/**/*"}}
	}
	return res, nil
}

func (e *fakeExecutor) Capacity() int { return e.capacity }

// Release unblocks every phase waiting on release.
func (e *fakeExecutor) Release() {
	e.once.Do(func() { close(e.release) })
}

func (e *fakeExecutor) ranPhases() []models.PhaseType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.PhaseType(nil), e.ran...)
}

type fakeArtifacts struct {
	mu      sync.Mutex
	uploads []UploadRequest
	clock   *fakeClock
	advance time.Duration
	err     error
	cleaned []string
	// hold blocks uploads until closed, ignoring ctx.
	hold      chan struct{}
	onCleanup func()
}

func (a *fakeArtifacts) Upload(ctx context.Context, req *UploadRequest) (*models.BuildArtifacts, error) {
	a.mu.Lock()
	a.uploads = append(a.uploads, *req)
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if a.clock != nil {
		a.clock.Advance(a.advance)
	}
	if a.err != nil {
		return nil, a.err
	}
	return &models.BuildArtifacts{
		Location:           "/artifacts/" + req.ProjectName + "/" + req.Spec.Name,
		Sha256Sum:          "e3b0c44298fc1c149afbf4c8996fb924",
		ArtifactIdentifier: req.Spec.ArtifactIdentifier,
	}, nil
}

func (a *fakeArtifacts) Cleanup(ctx context.Context, buildID string) error {
	a.mu.Lock()
	a.cleaned = append(a.cleaned, buildID)
	hook := a.onCleanup
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (a *fakeArtifacts) cleanupCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cleaned)
}

func (a *fakeArtifacts) uploadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads)
}

// recordingSink keeps log lines and fails flushes on request.
type recordingSink struct {
	mu       sync.Mutex
	lines    map[string][]string
	flushed  map[string]int
	flushErr error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{lines: make(map[string][]string), flushed: make(map[string]int)}
}

func (s *recordingSink) Append(buildID string, phase models.PhaseType, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[buildID] = append(s.lines[buildID], lines...)
}

func (s *recordingSink) Flush(ctx context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed[buildID]++
	return s.flushErr
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.BuildStateChange
}

func (p *recordingPublisher) Publish(ctx context.Context, c *models.BuildStateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, *c)
	return nil
}

// harness wires an orchestrator to in-memory collaborators.
type harness struct {
	o         *Orchestrator
	store     *memory.Store
	clock     *fakeClock
	fetcher   *fakeFetcher
	executor  *fakeExecutor
	artifacts *fakeArtifacts
	logs      *recordingSink
	events    *recordingPublisher
	metrics   *metrics.Collector
	// realClock runs the orchestrator on wall-clock time.
	realClock bool
}

func newHarness(t *testing.T, cfg *Config, tweak ...func(*harness)) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		store:     memory.New(),
		clock:     clock,
		fetcher:   &fakeFetcher{clock: clock},
		executor:  newFakeExecutor(clock),
		artifacts: &fakeArtifacts{clock: clock},
		logs:      newRecordingSink(),
		events:    &recordingPublisher{},
		metrics:   metrics.NewCollector(),
	}
	for _, fn := range tweak {
		fn(h)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	strategy := retry.DefaultRetryStrategy()
	strategy.BackoffDuration = time.Millisecond
	strategy.MaxBackoff = 5 * time.Millisecond

	opts := []Option{
		WithEventPublisher(h.events),
		WithMetrics(h.metrics),
		WithRetryManager(retry.NewManager(retry.WithRetryStrategy(strategy))),
	}
	if !h.realClock {
		opts = append(opts, WithClock(clock.Now))
	}
	o, err := NewOrchestrator(cfg, h.store, counter.NewMemory(), Collaborators{
		Fetcher:   h.fetcher,
		Executor:  h.executor,
		Artifacts: h.artifacts,
		Logs:      h.logs,
	}, opts...)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		h.executor.Release()
		o.Stop()
	})
	return h
}

func (h *harness) createProject(t *testing.T, p *models.Project) {
	t.Helper()
	if err := h.store.Projects().Create(context.Background(), p); err != nil {
		t.Fatalf("creating project: %v", err)
	}
}

func (h *harness) submit(t *testing.T, req *models.StartBuildRequest) *models.BuildHandle {
	t.Helper()
	handle, err := h.o.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return handle
}

func (h *harness) wait(t *testing.T, id string) *models.Build {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := h.o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	if !b.BuildComplete {
		t.Fatalf("build %s did not complete", id)
	}
	return b
}

// waitStarted blocks until the executor starts phase p.
func (h *harness) waitStarted(t *testing.T, p models.PhaseType) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.executor.started:
			if got == p {
				return
			}
		case <-timeout:
			t.Fatalf("executor never started %s", p)
		}
	}
}

func phaseTypes(b *models.Build) []models.PhaseType {
	out := make([]models.PhaseType, len(b.Phases))
	for i, p := range b.Phases {
		out[i] = p.PhaseType
	}
	return out
}

func findPhase(b *models.Build, p models.PhaseType) *models.BuildPhase {
	for i := range b.Phases {
		if b.Phases[i].PhaseType == p {
			return &b.Phases[i]
		}
	}
	return nil
}

func hasContext(p *models.BuildPhase, code string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Contexts {
		if c.StatusCode == code {
			return true
		}
	}
	return false
}

var errExecutorCrashed = errors.New("executor lost its container")

func testProject(name string) *models.Project {
	return storetest.Project(name)
}
