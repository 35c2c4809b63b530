package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/builder/retry"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/phase"
)

// Causes a running build's context is cancelled with.
var (
	errStopped     = errors.New("build stopped")
	errTimedOut    = errors.New("build timed out")
	errPhaseBudget = errors.New("phase budget exceeded")
	errFinished    = errors.New("build finished")
)

const persistTimeout = 10 * time.Second

// buildRun is the in-memory state of a build that has not completed.
// mu guards build and every field below it.
type buildRun struct {
	mu    sync.Mutex
	build *models.Build
	cfg   *models.EffectiveConfig

	ctx    context.Context
	cancel context.CancelCauseFunc

	timer    *time.Timer
	timeout  time.Duration
	admitted bool
	// abandoned is set once a collaborator call outlived CancelGrace.
	// Whatever that call returns later is discarded.
	abandoned bool

	sourceLocation     string
	secondaryLocations map[string]string
	artifacts          *ArtifactSelection
	secondaryArtifacts map[string]ArtifactSelection

	logger   *slog.Logger
	done     chan struct{}
	doneOnce sync.Once
}

// release wakes everything waiting on the run. A build handed back to the
// store at shutdown is released without completing.
func (r *buildRun) release() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *buildRun) snapshot() *models.Build {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.build.Clone()
}

// handle describes the run for the queue. enqueuedAt is when the build
// entered QUEUED, which for a resumed build predates this process.
func (r *buildRun) handle(queuedTimeout time.Duration, enqueuedAt time.Time) models.BuildHandle {
	return models.BuildHandle{
		BuildID:       r.build.ID,
		ProjectName:   r.build.ProjectName,
		BuildNumber:   r.build.BuildNumber,
		QueuedTimeout: queuedTimeout,
		EnqueuedAt:    enqueuedAt,
	}
}

// current reports whether results of work done for phase p may still be
// recorded: p is the open phase and no call was abandoned. Callers hold mu.
func (r *buildRun) current(p models.PhaseType) bool {
	if r.build.BuildComplete || r.abandoned || r.build.CurrentPhase != p {
		return false
	}
	last := r.build.LastPhase()
	return last != nil && !last.Sealed()
}

// armTimeout must be called with mu held.
func (r *buildRun) armTimeout(d time.Duration, fn func()) {
	if r.build.BuildComplete {
		return
	}
	r.timer = time.AfterFunc(d, fn)
}

// stopTimer must be called with mu held.
func (r *buildRun) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// drive runs an admitted build through its phases until it completes.
func (o *Orchestrator) drive(run *buildRun) {
	run.mu.Lock()
	run.admitted = true
	current, more := o.advance(run, models.PhaseQueued, models.BuildStatusSucceeded, nil)
	run.mu.Unlock()

	for more {
		status, contexts := o.runPhase(run, current)

		run.mu.Lock()
		current, more = o.advance(run, current, status, contexts)
		run.mu.Unlock()
	}
}

// advance seals phase from with status and enters the phase that follows.
// It returns false when the build is complete or from is no longer the
// current phase. Callers hold run.mu.
func (o *Orchestrator) advance(run *buildRun, from models.PhaseType, status models.BuildStatus, contexts []models.PhaseContext) (models.PhaseType, bool) {
	b := run.build
	if b.BuildComplete || b.CurrentPhase != from {
		return "", false
	}

	now := o.now()
	next, ok, err := o.sequencer.Exit(b, status, contexts, now)
	if err != nil {
		run.logger.Error("failed to exit phase", "phase", from, "error", err)
		return "", false
	}
	// The first terminal status recorded for a build is final.
	if status.IsFailure() && b.BuildStatus == models.BuildStatusInProgress {
		b.BuildStatus = status
	}
	o.appendLog(run, from, fmt.Sprintf("Phase complete: %s State: %s", from, status))
	if !ok {
		return "", false
	}

	if b.BuildStatus.IsTerminal() && phaseBefore(next, models.PhaseFinalizing) {
		next = models.PhaseFinalizing
	}
	if err := o.sequencer.Enter(b, next, now); err != nil {
		run.logger.Error("failed to enter phase", "phase", next, "error", err)
		return "", false
	}

	if next == models.PhaseCompleted {
		o.seal(run)
		return "", false
	}

	run.logger.Debug("entering phase", "phase", next)
	o.appendLog(run, next, "Entering phase "+string(next))
	o.persist(run, from, status)
	return next, true
}

// seal closes the COMPLETED phase and marks the build complete. Callers hold run.mu.
func (o *Orchestrator) seal(run *buildRun) {
	b := run.build
	if b.BuildStatus == models.BuildStatusInProgress {
		b.BuildStatus = models.BuildStatusSucceeded
	}
	// COMPLETED has no duration; it is sealed at the instant it is entered.
	last := b.LastPhase()
	if _, _, err := o.sequencer.Exit(b, b.BuildStatus, nil, last.StartTime); err != nil {
		run.logger.Error("failed to seal build", "error", err)
	}
	end := last.StartTime
	b.EndTime = &end
	b.BuildComplete = true

	o.persist(run, models.PhaseCompleted, b.BuildStatus)
	run.logger.Info("build completed", "status", b.BuildStatus, "duration", end.Sub(b.StartTime))
	o.finish(run)
}

// finish releases everything held for a completed build. Callers hold run.mu.
func (o *Orchestrator) finish(run *buildRun) {
	run.stopTimer()
	run.cancel(errFinished)

	prefix := run.build.ID + "/"
	if o.metrics != nil {
		m := metrics.FromBuild(run.build)
		m.Retries = o.retry.RetriesWithPrefix(prefix)
		if err := o.metrics.RecordMetrics(context.Background(), m); err != nil {
			run.logger.Warn("failed to record build metrics", "error", err)
		}
	}
	o.retry.ClearPrefix(prefix)

	if f, ok := o.logs.(Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := f.Flush(ctx, run.build.ID); err != nil {
			run.logger.Warn("failed to flush build logs", "error", err)
		}
		cancel()
	}

	o.forget(run.build.ID)
	run.release()
}

// persist writes the build and announces the change. Failures are logged;
// the in-memory record stays authoritative until the build completes.
// Callers hold run.mu.
func (o *Orchestrator) persist(run *buildRun, completed models.PhaseType, status models.BuildStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	b := run.build
	if err := o.store.Builds().Update(ctx, b.Clone()); err != nil {
		run.logger.Error("failed to persist build", "phase", b.CurrentPhase, "error", err)
	}

	change := &models.BuildStateChange{
		BuildID:              b.ID,
		ProjectName:          b.ProjectName,
		BuildNumber:          b.BuildNumber,
		BuildStatus:          b.BuildStatus,
		CurrentPhase:         b.CurrentPhase,
		CompletedPhase:       completed,
		CompletedPhaseStatus: status,
		BuildComplete:        b.BuildComplete,
		Time:                 o.now(),
	}
	if err := o.events.Publish(ctx, change); err != nil {
		run.logger.Warn("failed to publish build state change", "error", err)
	}
}

// completeQueued ends a build that never left the queue.
func (o *Orchestrator) completeQueued(run *buildRun, status models.BuildStatus, contexts []models.PhaseContext) {
	run.mu.Lock()
	defer run.mu.Unlock()

	b := run.build
	if b.BuildComplete || b.CurrentPhase != models.PhaseQueued {
		return
	}
	now := o.now()
	if _, _, err := o.sequencer.Exit(b, status, contexts, now); err != nil {
		run.logger.Error("failed to exit queue", "error", err)
		return
	}
	if b.BuildStatus == models.BuildStatusInProgress {
		b.BuildStatus = status
	}
	o.appendLog(run, models.PhaseQueued, fmt.Sprintf("Phase complete: %s State: %s", models.PhaseQueued, status))
	if err := o.sequencer.Enter(b, models.PhaseCompleted, now); err != nil {
		run.logger.Error("failed to complete queued build", "error", err)
		return
	}
	o.seal(run)
}

func (o *Orchestrator) onQueuedTimeout(h models.BuildHandle) {
	run := o.lookup(h.BuildID)
	if run == nil {
		return
	}
	run.logger.Info("build exceeded its queued timeout")

	run.mu.Lock()
	err := queuedTimeoutError(run.build)
	run.mu.Unlock()
	o.completeQueued(run, models.BuildStatusTimedOut, []models.PhaseContext{err.Context()})
}

func (o *Orchestrator) onBuildTimeout(run *buildRun) {
	run.mu.Lock()
	b := run.build
	if b.BuildComplete || b.BuildStatus != models.BuildStatusInProgress || !phaseBefore(b.CurrentPhase, models.PhaseFinalizing) {
		run.mu.Unlock()
		return
	}
	b.BuildStatus = models.BuildStatusTimedOut
	o.persist(run, "", "")
	admitted := run.admitted
	ctx := timedOutError(b).Context()
	run.mu.Unlock()

	run.logger.Info("build exceeded its timeout")
	if !admitted && o.queue.Remove(b.ID) {
		o.completeQueued(run, models.BuildStatusTimedOut, []models.PhaseContext{ctx})
		return
	}
	run.cancel(errTimedOut)
}

// call runs fn for phase p under the build's context and the phase budget.
// A collaborator that ignores cancellation for longer than CancelGrace is
// abandoned and the phase faults.
func (o *Orchestrator) call(run *buildRun, p models.PhaseType, fn func(ctx context.Context) error) (models.BuildStatus, []models.PhaseContext) {
	if run.ctx.Err() != nil {
		return o.outcome(run.ctx, run, p, 0, run.ctx.Err())
	}

	ctx := run.ctx
	budget := o.cfg.Budget.PhaseBudget(p, run.timeout)
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(run.ctx, budget, errPhaseBudget)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		return o.outcome(ctx, run, p, budget, err)
	case <-ctx.Done():
	}

	grace := time.NewTimer(o.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case err := <-result:
		if err == nil {
			err = ctx.Err()
		}
		return o.outcome(ctx, run, p, budget, err)
	case <-grace.C:
		run.mu.Lock()
		run.abandoned = true
		run.mu.Unlock()
		run.logger.Warn("collaborator ignored cancellation", "phase", p)
		return models.BuildStatusFault, []models.PhaseContext{builderrors.NewCancelNotAcknowledgedError(p).Context()}
	}
}

// outcome maps the result of a phase to its status. Cancellation causes
// take precedence over whatever error the collaborator returned.
func (o *Orchestrator) outcome(ctx context.Context, run *buildRun, p models.PhaseType, budget time.Duration, err error) (models.BuildStatus, []models.PhaseContext) {
	if ctx.Err() != nil {
		switch context.Cause(ctx) {
		case errStopped:
			return models.BuildStatusStopped, []models.PhaseContext{stoppedError().Context()}
		case errTimedOut:
			run.mu.Lock()
			be := timedOutError(run.build)
			run.mu.Unlock()
			return models.BuildStatusTimedOut, []models.PhaseContext{be.Context()}
		case errPhaseBudget:
			return models.BuildStatusTimedOut, []models.PhaseContext{builderrors.NewPhaseTimedOutError(p, budget.String()).Context()}
		}
	}
	if err == nil {
		return models.BuildStatusSucceeded, nil
	}

	status, pc := builderrors.Classify(err, fallbackCode(p))
	contexts := []models.PhaseContext{pc}
	if errors.Is(err, retry.ErrMaxRetriesExceeded) {
		contexts = append(contexts, models.PhaseContext{
			StatusCode: builderrors.CodeRetriesExhausted,
			Message:    fmt.Sprintf("gave up after %d attempts", o.retry.GetMaxAttempts()),
		})
	}
	return status, contexts
}

func (o *Orchestrator) appendLog(run *buildRun, p models.PhaseType, line string) {
	o.logs.Append(run.build.ID, p, []string{line})
}

func fallbackCode(p models.PhaseType) string {
	switch p {
	case models.PhaseProvisioning:
		return builderrors.CodeProvisioningFailed
	case models.PhaseDownloadSource:
		return builderrors.CodeSourceDownloadFailed
	case models.PhaseUploadArtifacts:
		return builderrors.CodeArtifactsFailed
	case models.PhaseFinalizing:
		return builderrors.CodeFinalizeFailed
	default:
		return builderrors.CodeInternalError
	}
}

func phaseBefore(a, b models.PhaseType) bool {
	return phase.Index(a) < phase.Index(b)
}

func timedOutError(b *models.Build) *builderrors.BuildError {
	return builderrors.NewBuildTimedOutError(b.TimeoutInMinutes)
}

func queuedTimeoutError(b *models.Build) *builderrors.BuildError {
	return builderrors.NewQueuedTimeoutError(b.QueuedTimeoutInMinutes)
}

func stoppedError() *builderrors.BuildError {
	return builderrors.NewStoppedError()
}
