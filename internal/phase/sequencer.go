// Package phase defines the ordered build phases and the rules for moving
// a build between them.
package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/buildengine/internal/models"
)

// Sequencer errors.
var (
	// ErrPhaseOpen is returned when entering a phase while the previous one is not sealed.
	ErrPhaseOpen = errors.New("previous phase is still open")
	// ErrNoOpenPhase is returned when sealing without an open phase.
	ErrNoOpenPhase = errors.New("no open phase to seal")
	// ErrOutOfOrder is returned when a transition would move backwards.
	ErrOutOfOrder = errors.New("phase transition out of order")
	// ErrStatusRequired is returned when a phase is sealed without a terminal status.
	ErrStatusRequired = errors.New("phase status is required")
	// ErrBuildComplete is returned for any transition on a completed build.
	ErrBuildComplete = errors.New("build is complete")
)

var order = []models.PhaseType{
	models.PhaseSubmitted,
	models.PhaseQueued,
	models.PhaseProvisioning,
	models.PhaseDownloadSource,
	models.PhaseInstall,
	models.PhasePreBuild,
	models.PhaseBuild,
	models.PhasePostBuild,
	models.PhaseUploadArtifacts,
	models.PhaseFinalizing,
	models.PhaseCompleted,
}

// Order returns the canonical phase order.
func Order() []models.PhaseType {
	out := make([]models.PhaseType, len(order))
	copy(out, order)
	return out
}

// Index returns the position of p in the canonical order, or -1.
func Index(p models.PhaseType) int {
	for i, candidate := range order {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the nominal successor of p. It reports false for COMPLETED
// and for unknown phases.
func Next(p models.PhaseType) (models.PhaseType, bool) {
	i := Index(p)
	if i < 0 || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// IsTerminal reports whether p ends the sequence.
func IsTerminal(p models.PhaseType) bool {
	return p == models.PhaseCompleted
}

// abortsOnFailure reports whether a failure in p skips straight to FINALIZING.
func abortsOnFailure(p models.PhaseType) bool {
	return Index(p) < Index(models.PhaseUploadArtifacts)
}

// NextAfter returns the phase that follows p when p ends with status.
// A failure before UPLOAD_ARTIFACTS forces FINALIZING so cleanup still runs.
func NextAfter(p models.PhaseType, status models.BuildStatus) (models.PhaseType, bool) {
	if status.IsFailure() && abortsOnFailure(p) {
		return models.PhaseFinalizing, true
	}
	return Next(p)
}

// Sequencer opens and seals phase records on a build. It holds no state of
// its own; callers serialize access to the build.
type Sequencer struct{}

// NewSequencer creates a Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Enter appends an open record for p and makes it the current phase.
func (s *Sequencer) Enter(b *models.Build, p models.PhaseType, at time.Time) error {
	if b.BuildComplete {
		return ErrBuildComplete
	}
	if !p.Valid() {
		return fmt.Errorf("entering %q: unknown phase", p)
	}
	if last := b.LastPhase(); last != nil {
		if !last.Sealed() {
			return fmt.Errorf("entering %s: %w", p, ErrPhaseOpen)
		}
		if Index(p) <= Index(last.PhaseType) {
			return fmt.Errorf("entering %s after %s: %w", p, last.PhaseType, ErrOutOfOrder)
		}
		// Start times are totally ordered even if the clock steps back.
		if at.Before(*last.EndTime) {
			at = *last.EndTime
		}
	}

	b.Phases = append(b.Phases, models.BuildPhase{
		PhaseType: p,
		StartTime: at,
	})
	b.CurrentPhase = p
	return nil
}

// Exit seals the open phase with status and returns the phase that must be
// entered next. The returned bool is false once COMPLETED has been sealed.
func (s *Sequencer) Exit(b *models.Build, status models.BuildStatus, contexts []models.PhaseContext, at time.Time) (models.PhaseType, bool, error) {
	if b.BuildComplete {
		return "", false, ErrBuildComplete
	}
	if !status.IsTerminal() {
		return "", false, ErrStatusRequired
	}
	last := b.LastPhase()
	if last == nil || last.Sealed() {
		return "", false, ErrNoOpenPhase
	}

	if at.Before(last.StartTime) {
		at = last.StartTime
	}
	end := at
	duration := int64(end.Sub(last.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	last.PhaseStatus = status
	last.EndTime = &end
	last.DurationInSeconds = &duration
	if len(contexts) > 0 {
		last.Contexts = append(last.Contexts, contexts...)
	}

	next, ok := NextAfter(last.PhaseType, status)
	return next, ok, nil
}
