package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/phase"
	"github.com/narvanalabs/buildengine/internal/store"
)

// Resumer takes back builds that were waiting in the queue when the
// process stopped.
type Resumer interface {
	Resume(ctx context.Context, b *models.Build) error
}

// RecoveryService settles builds left incomplete by a previous process.
// Builds that were still queued are handed back to the orchestrator;
// builds that had started running are completed as FAULT because their
// collaborator calls died with the process.
type RecoveryService struct {
	store   store.Store
	resumer Resumer
	logger  *slog.Logger
	now     func() time.Time
}

// RecoveryResult contains the results of a startup recovery operation.
type RecoveryResult struct {
	// InterruptedBuilds is the number of running builds completed as FAULT.
	InterruptedBuilds int
	// ResumedBuilds is the number of queued builds handed back.
	ResumedBuilds int
	// Errors contains any errors encountered during recovery.
	Errors []error
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(s store.Store, r Resumer, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		store:   s,
		resumer: r,
		logger:  logger,
		now:     time.Now,
	}
}

// RecoverOnStartup settles every incomplete build. It must run before the
// orchestrator accepts new builds.
func (r *RecoveryService) RecoverOnStartup(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	r.logger.Info("starting build recovery")

	builds, err := r.store.Builds().ListIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete builds: %w", err)
	}

	for _, b := range builds {
		logger := r.logger.With("build_id", b.ID, "phase", b.CurrentPhase)

		if b.CurrentPhase == models.PhaseQueued && r.resumer != nil {
			err := r.resumer.Resume(ctx, b)
			if err == nil {
				logger.Info("resumed queued build")
				result.ResumedBuilds++
				continue
			}
			logger.Warn("could not resume queued build", "error", err)
		}

		if err := r.interrupt(ctx, b); err != nil {
			logger.Error("failed to complete interrupted build", "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("build %s: %w", b.ID, err))
			continue
		}
		logger.Info("completed interrupted build as FAULT")
		result.InterruptedBuilds++
	}

	r.logger.Info("build recovery completed",
		"interrupted_builds", result.InterruptedBuilds,
		"resumed_builds", result.ResumedBuilds,
		"errors", len(result.Errors),
	)

	return result, nil
}

// interrupt seals the open phase as FAULT and completes the build.
func (r *RecoveryService) interrupt(ctx context.Context, b *models.Build) error {
	now := r.now()
	seq := phase.NewSequencer()

	if b.BuildStatus == models.BuildStatusInProgress {
		b.BuildStatus = models.BuildStatusFault
	}
	if last := b.LastPhase(); last != nil && !last.Sealed() {
		pc := models.PhaseContext{
			StatusCode: builderrors.CodeInterruptedByRestart,
			Message:    "build was interrupted by a restart of the build engine",
		}
		if _, _, err := seq.Exit(b, models.BuildStatusFault, []models.PhaseContext{pc}, now); err != nil {
			return fmt.Errorf("sealing %s: %w", last.PhaseType, err)
		}
	}
	if b.CurrentPhase != models.PhaseCompleted {
		if err := seq.Enter(b, models.PhaseCompleted, now); err != nil {
			return fmt.Errorf("entering %s: %w", models.PhaseCompleted, err)
		}
	}
	last := b.LastPhase()
	if !last.Sealed() {
		if _, _, err := seq.Exit(b, b.BuildStatus, nil, last.StartTime); err != nil {
			return fmt.Errorf("sealing %s: %w", models.PhaseCompleted, err)
		}
	}
	end := last.StartTime
	b.EndTime = &end
	b.BuildComplete = true

	return r.store.Builds().Update(ctx, b)
}
