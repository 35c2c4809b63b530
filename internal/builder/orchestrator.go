// Package builder drives builds from submission through their phases to
// completion.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/builder/retry"
	"github.com/narvanalabs/buildengine/internal/counter"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/phase"
	"github.com/narvanalabs/buildengine/internal/queue"
	"github.com/narvanalabs/buildengine/internal/resolver"
	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// Orchestrator errors.
var (
	// ErrBuildNotFound is returned when no build has the requested ID.
	ErrBuildNotFound = errors.New("build not found")
	// ErrProjectNotFound is returned when a build is requested for an unknown project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrStopped is returned when a build is started after Stop.
	ErrStopped = errors.New("orchestrator is stopped")
	// ErrNotResumable is returned when a stored build cannot be picked up again.
	ErrNotResumable = errors.New("build cannot be resumed")
)

// Config holds orchestrator settings.
type Config struct {
	// Concurrency bounds running builds when the executor does not report a capacity.
	Concurrency int
	// Minute is the length of one configured minute. Timeouts are expressed in minutes.
	Minute time.Duration
	// CancelGrace is how long a cancelled collaborator call may take to return.
	CancelGrace time.Duration
	// FinalizeTimeout bounds the FINALIZING phase, which runs even after cancellation.
	FinalizeTimeout time.Duration
	// Budget decides per-phase time limits.
	Budget BudgetPolicy
	// ArnPrefix is prepended to build IDs to form ARNs.
	ArnPrefix string
	// LogGroupPrefix names the default log group of a project.
	LogGroupPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:     4,
		Minute:          time.Minute,
		CancelGrace:     30 * time.Second,
		FinalizeTimeout: 2 * time.Minute,
		Budget:          DefaultProportional(),
		ArnPrefix:       "arn:buildengine:build/",
		LogGroupPrefix:  "/buildengine/",
	}
}

// Collaborators are the external systems a build calls into.
type Collaborators struct {
	Fetcher     SourceFetcher
	Executor    ComputeExecutor
	Artifacts   ArtifactStore
	Logs        LogSink
	Provisioner Provisioner
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithEventPublisher sets where build state changes are announced.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

// WithMetrics sets the collector completed builds are recorded in.
func WithMetrics(m metrics.BuildMetricsCollector) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRetryManager sets the retry policy for collaborator calls.
func WithRetryManager(r *retry.Manager) Option {
	return func(o *Orchestrator) {
		o.retry = r
	}
}

// WithClock replaces the time source used for build and phase timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithQueue sets the queue builds wait in.
func WithQueue(q *queue.Manager) Option {
	return func(o *Orchestrator) {
		o.queue = q
	}
}

// Orchestrator owns every build from submission until it completes.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	numbers   counter.Allocator
	queue     *queue.Manager
	sequencer *phase.Sequencer
	retry     *retry.Manager
	metrics   metrics.BuildMetricsCollector
	events    EventPublisher

	fetcher     SourceFetcher
	executor    ComputeExecutor
	artifacts   ArtifactStore
	logs        LogSink
	provisioner Provisioner

	now    func() time.Time
	logger *slog.Logger

	projectMu    sync.Mutex
	projectLocks map[string]*sync.Mutex

	mu   sync.RWMutex
	runs map[string]*buildRun

	slots    chan struct{}
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Fetcher, Executor and Artifacts are required.
func NewOrchestrator(cfg *Config, s store.Store, numbers counter.Allocator, c Collaborators, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if s == nil {
		return nil, errors.New("store is required")
	}
	if numbers == nil {
		return nil, errors.New("build number allocator is required")
	}
	if c.Fetcher == nil || c.Executor == nil || c.Artifacts == nil {
		return nil, errors.New("source fetcher, compute executor and artifact store are required")
	}

	o := &Orchestrator{
		cfg:          normalize(*cfg),
		store:        s,
		numbers:      numbers,
		sequencer:    phase.NewSequencer(),
		events:       discardPublisher{},
		fetcher:      c.Fetcher,
		executor:     c.Executor,
		artifacts:    c.Artifacts,
		logs:         c.Logs,
		provisioner:  c.Provisioner,
		now:          time.Now,
		logger:       slog.Default(),
		projectLocks: make(map[string]*sync.Mutex),
		runs:         make(map[string]*buildRun),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	if o.logs == nil {
		o.logs = discardSink{}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry == nil {
		o.retry = retry.NewManager()
	}
	if o.queue == nil {
		o.queue = queue.NewManager(queue.WithLogger(o.logger))
	}
	o.queue.SetExpiryHandler(o.onQueuedTimeout)

	capacity := o.cfg.Concurrency
	if cp, ok := c.Executor.(Capacity); ok && cp.Capacity() > 0 {
		capacity = cp.Capacity()
	}
	if capacity < 1 {
		capacity = 1
	}
	o.slots = make(chan struct{}, capacity)

	return o, nil
}

func normalize(c Config) Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Minute <= 0 {
		c.Minute = d.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.Budget == nil {
		c.Budget = d.Budget
	}
	if c.LogGroupPrefix == "" {
		c.LogGroupPrefix = d.LogGroupPrefix
	}
	return c
}

// Start begins admitting queued builds.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting build orchestrator", "capacity", cap(o.slots))

	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	return nil
}

// Stop stops admitting builds and waits for running builds to complete.
// Builds still waiting in the queue stay incomplete in the store and are
// picked up again by recovery on the next start.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.logger.Info("stopping build orchestrator")
		close(o.stopCh)

		for _, h := range o.queue.Close() {
			if run := o.lookup(h.BuildID); run != nil {
				run.mu.Lock()
				run.stopTimer()
				run.mu.Unlock()
				o.forget(h.BuildID)
				run.release()
			}
		}

		o.wg.Wait()
		o.logger.Info("build orchestrator stopped")
	})
}

// dispatchLoop admits builds whenever one is queued or a slot frees up.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("dispatcher context cancelled")
			return
		case <-o.stopCh:
			o.logger.Debug("dispatcher stop signal received")
			return
		case <-o.queue.Ready():
		case <-o.wake:
		}
		o.dispatch()
	}
}

// dispatch admits one build per project in rotation until the queue is
// empty or every slot is taken.
func (o *Orchestrator) dispatch() {
	for {
		admitted := false
		for _, project := range o.queue.Projects() {
			select {
			case o.slots <- struct{}{}:
			default:
				return
			}
			h := o.queue.AdmitNext(project)
			if h == nil {
				<-o.slots
				continue
			}
			admitted = true
			o.launch(*h)
		}
		if !admitted {
			return
		}
	}
}

func (o *Orchestrator) launch(h models.BuildHandle) {
	run := o.lookup(h.BuildID)
	if run == nil {
		o.releaseSlot()
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.releaseSlot()
		o.drive(run)
	}()
}

func (o *Orchestrator) releaseSlot() {
	<-o.slots
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Submit resolves req against its stored project and starts a build.
func (o *Orchestrator) Submit(ctx context.Context, req *models.StartBuildRequest) (*models.BuildHandle, error) {
	if req == nil || req.ProjectName == "" {
		return nil, validation.Errorf("project_name", "project name is required")
	}
	project, err := o.store.Projects().Get(ctx, req.ProjectName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectName)
		}
		return nil, fmt.Errorf("loading project: %w", err)
	}
	cfg, err := resolver.Resolve(project, req)
	if err != nil {
		return nil, err
	}
	cfg.Initiator = req.Initiator
	return o.StartBuild(ctx, cfg)
}

// StartBuild creates a build for cfg and queues it. The build number is
// allocated under a per-project lock, so numbers of one project are
// assigned and persisted in order.
func (o *Orchestrator) StartBuild(ctx context.Context, cfg *models.EffectiveConfig) (*models.BuildHandle, error) {
	if cfg == nil || cfg.ProjectName == "" {
		return nil, validation.Errorf("project_name", "project name is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	select {
	case <-o.stopCh:
		return nil, ErrStopped
	default:
	}
	cfg = cfg.Clone()

	lock := o.projectLock(cfg.ProjectName)
	lock.Lock()
	defer lock.Unlock()

	number, err := o.numbers.Next(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("allocating build number: %w", err)
	}

	b := o.newBuild(cfg, number)
	if err := o.sequencer.Enter(b, models.PhaseSubmitted, b.StartTime); err != nil {
		return nil, fmt.Errorf("entering %s: %w", models.PhaseSubmitted, err)
	}
	if err := o.store.Builds().Create(ctx, b.Clone()); err != nil {
		return nil, fmt.Errorf("creating build: %w", err)
	}

	run := o.newRun(b, cfg)
	run.logger.Info("build submitted", "build_number", number)
	o.appendLog(run, models.PhaseSubmitted, fmt.Sprintf("Build %d of %s submitted", number, cfg.ProjectName))

	run.mu.Lock()
	o.advance(run, models.PhaseSubmitted, models.BuildStatusSucceeded, nil)
	run.mu.Unlock()
	o.register(run)

	handle := run.handle(time.Duration(b.QueuedTimeoutInMinutes)*o.cfg.Minute, o.now())
	if err := o.queue.Enqueue(handle); err != nil {
		run.logger.Error("failed to enqueue build", "error", err)
		o.completeQueued(run, models.BuildStatusFault, []models.PhaseContext{{
			StatusCode: "INTERNAL_ERROR",
			Message:    fmt.Sprintf("build could not be queued: %v", err),
		}})
		return &handle, nil
	}

	run.mu.Lock()
	run.armTimeout(run.timeout, func() { o.onBuildTimeout(run) })
	run.mu.Unlock()

	return &handle, nil
}

// validateConfig checks the settings a build's timers and fetches rely on.
// Resolve applies the same rules to overrides; configs built elsewhere
// must meet them too.
func validateConfig(cfg *models.EffectiveConfig) error {
	if err := validation.ValidateTimeoutMinutes("timeout_in_minutes", cfg.TimeoutInMinutes); err != nil {
		return err
	}
	if err := validation.ValidateTimeoutMinutes("queued_timeout_in_minutes", cfg.QueuedTimeoutInMinutes); err != nil {
		return err
	}
	if err := validation.ValidateCloneDepth("source.git_clone_depth", cfg.Source.GitCloneDepth); err != nil {
		return err
	}
	for i, s := range cfg.SecondarySources {
		if err := validation.ValidateCloneDepth(fmt.Sprintf("secondary_sources[%d].git_clone_depth", i), s.GitCloneDepth); err != nil {
			return err
		}
	}
	return nil
}

// Resume picks up a stored build that was still waiting in the queue when
// the process stopped. Its timers keep counting from the original start
// and enqueue times.
func (o *Orchestrator) Resume(ctx context.Context, b *models.Build) error {
	if b == nil || b.BuildComplete || b.CurrentPhase != models.PhaseQueued {
		return ErrNotResumable
	}
	if last := b.LastPhase(); last == nil || last.Sealed() {
		return ErrNotResumable
	}

	run := o.newRun(b.Clone(), b.EffectiveConfig())
	o.register(run)

	now := o.now()
	remaining := run.timeout - now.Sub(b.StartTime)
	queuedRemaining := time.Duration(b.QueuedTimeoutInMinutes)*o.cfg.Minute - now.Sub(b.LastPhase().StartTime)

	switch {
	case b.BuildStatus.IsTerminal():
		o.completeQueued(run, b.BuildStatus, nil)
		return nil
	case remaining <= 0:
		o.completeQueued(run, models.BuildStatusTimedOut, []models.PhaseContext{timedOutError(b).Context()})
		return nil
	case queuedRemaining <= 0:
		o.completeQueued(run, models.BuildStatusTimedOut, []models.PhaseContext{queuedTimeoutError(b).Context()})
		return nil
	}

	handle := run.handle(queuedRemaining, b.LastPhase().StartTime)
	if err := o.queue.Enqueue(handle); err != nil {
		o.forget(b.ID)
		return fmt.Errorf("re-queuing build: %w", err)
	}
	run.mu.Lock()
	run.armTimeout(remaining, func() { o.onBuildTimeout(run) })
	run.mu.Unlock()

	run.logger.Info("build resumed", "queued_remaining", queuedRemaining)
	return nil
}

// Cancel stops a build that is still in progress. It returns false when
// the build has already reached a terminal status.
func (o *Orchestrator) Cancel(ctx context.Context, buildID string) (bool, error) {
	run := o.lookup(buildID)
	if run == nil {
		if _, err := o.store.Builds().Get(ctx, buildID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, ErrBuildNotFound
			}
			return false, fmt.Errorf("loading build: %w", err)
		}
		return false, nil
	}

	run.mu.Lock()
	if run.build.BuildComplete || run.build.BuildStatus != models.BuildStatusInProgress {
		run.mu.Unlock()
		return false, nil
	}
	run.build.BuildStatus = models.BuildStatusStopped
	o.persist(run, "", "")
	run.mu.Unlock()

	run.logger.Info("build stop requested")
	if o.queue.Remove(buildID) {
		o.completeQueued(run, models.BuildStatusStopped, []models.PhaseContext{stoppedError().Context()})
		return true, nil
	}
	run.cancel(errStopped)
	return true, nil
}

// RetryBuild starts a new build with the configuration a previous build ran with.
func (o *Orchestrator) RetryBuild(ctx context.Context, buildID string) (*models.BuildHandle, error) {
	b, err := o.Get(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return o.StartBuild(ctx, b.EffectiveConfig())
}

// Get returns a snapshot of a build.
func (o *Orchestrator) Get(ctx context.Context, buildID string) (*models.Build, error) {
	if run := o.lookup(buildID); run != nil {
		return run.snapshot(), nil
	}
	b, err := o.store.Builds().Get(ctx, buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, fmt.Errorf("loading build: %w", err)
	}
	return b, nil
}

// BatchGet returns snapshots of the builds among ids that exist, in the
// order requested, and the ids that were not found.
func (o *Orchestrator) BatchGet(ctx context.Context, ids []string) ([]*models.Build, []string, error) {
	live := make(map[string]*models.Build)
	var stored []string
	for _, id := range ids {
		if run := o.lookup(id); run != nil {
			live[id] = run.snapshot()
		} else {
			stored = append(stored, id)
		}
	}

	fromStore, err := o.store.Builds().BatchGet(ctx, stored)
	if err != nil {
		return nil, nil, fmt.Errorf("loading builds: %w", err)
	}
	for _, b := range fromStore {
		live[b.ID] = b
	}

	builds := make([]*models.Build, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if b, ok := live[id]; ok {
			builds = append(builds, b)
		} else {
			missing = append(missing, id)
		}
	}
	return builds, missing, nil
}

// ListForProject returns a project's builds, newest first.
func (o *Orchestrator) ListForProject(ctx context.Context, projectName string, limit int) ([]*models.Build, error) {
	builds, err := o.store.Builds().ListByProject(ctx, projectName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	for i, b := range builds {
		if run := o.lookup(b.ID); run != nil {
			builds[i] = run.snapshot()
		}
	}
	return builds, nil
}

// Wait blocks until a build completes or ctx ends and returns its final
// record. A build still queued when the orchestrator stops is returned as
// stored, incomplete.
func (o *Orchestrator) Wait(ctx context.Context, buildID string) (*models.Build, error) {
	if run := o.lookup(buildID); run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Get(ctx, buildID)
}

// Active returns the number of builds that have not completed.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.runs)
}

// Queued returns the number of builds waiting for capacity.
func (o *Orchestrator) Queued() int {
	return o.queue.Len()
}

func (o *Orchestrator) newBuild(cfg *models.EffectiveConfig, number int64) *models.Build {
	id := cfg.ProjectName + ":" + uuid.NewString()
	snap := cfg.Clone()
	return &models.Build{
		ID:                      id,
		Arn:                     o.cfg.ArnPrefix + id,
		BuildNumber:             number,
		ProjectName:             cfg.ProjectName,
		Initiator:               cfg.Initiator,
		StartTime:               o.now(),
		BuildStatus:             models.BuildStatusInProgress,
		SourceVersion:           snap.SourceVersion,
		Source:                  snap.Source,
		SecondarySources:        snap.SecondarySources,
		SecondarySourceVersions: snap.SecondarySourceVersions,
		Environment:             snap.Environment,
		Cache:                   snap.Cache,
		ServiceRole:             snap.ServiceRole,
		VpcConfig:               snap.VpcConfig,
		TimeoutInMinutes:        snap.TimeoutInMinutes,
		QueuedTimeoutInMinutes:  snap.QueuedTimeoutInMinutes,
		EncryptionKey:           snap.EncryptionKey,
		LogsConfig:              snap.LogsConfig,
		ArtifactsSpec:           snap.Artifacts,
		SecondaryArtifactsSpec:  snap.SecondaryArtifacts,
		Logs:                    o.logsLocation(cfg, id),
	}
}

func (o *Orchestrator) logsLocation(cfg *models.EffectiveConfig, buildID string) models.LogsLocation {
	if cfg.LogsConfig.Status == models.LogsStatusDisabled {
		return models.LogsLocation{}
	}
	loc := models.LogsLocation{
		GroupName:  cfg.LogsConfig.GroupName,
		StreamName: cfg.LogsConfig.StreamName,
		DeepLink:   "/v1/builds/" + buildID + "/logs",
	}
	if loc.GroupName == "" {
		loc.GroupName = o.cfg.LogGroupPrefix + cfg.ProjectName
	}
	if loc.StreamName == "" {
		loc.StreamName = buildID
	}
	return loc
}

func (o *Orchestrator) newRun(b *models.Build, cfg *models.EffectiveConfig) *buildRun {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &buildRun{
		build:   b,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		timeout: time.Duration(b.TimeoutInMinutes) * o.cfg.Minute,
		logger:  o.logger.With("build_id", b.ID, "project", b.ProjectName),
		done:    make(chan struct{}),
	}
}

func (o *Orchestrator) projectLock(project string) *sync.Mutex {
	o.projectMu.Lock()
	defer o.projectMu.Unlock()
	l, ok := o.projectLocks[project]
	if !ok {
		l = &sync.Mutex{}
		o.projectLocks[project] = l
	}
	return l
}

func (o *Orchestrator) register(run *buildRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[run.build.ID] = run
}

func (o *Orchestrator) lookup(buildID string) *buildRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[buildID]
}

func (o *Orchestrator) forget(buildID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, buildID)
}
