// Package events announces build state changes to the outside world.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/narvanalabs/buildengine/internal/models"
)

// Publisher announces build state changes. It satisfies builder.EventPublisher.
type Publisher interface {
	Publish(ctx context.Context, change *models.BuildStateChange) error
}

// LogPublisher writes state changes to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs every change.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, change *models.BuildStateChange) error {
	attrs := []any{
		"build_id", change.BuildID,
		"project", change.ProjectName,
		"build_number", change.BuildNumber,
		"status", change.BuildStatus,
		"phase", change.CurrentPhase,
	}
	if change.CompletedPhase != "" {
		attrs = append(attrs, "completed_phase", change.CompletedPhase, "completed_phase_status", change.CompletedPhaseStatus)
	}
	if change.BuildComplete {
		p.logger.InfoContext(ctx, "build completed", attrs...)
		return nil
	}
	p.logger.DebugContext(ctx, "build state changed", attrs...)
	return nil
}

// Fanout delivers every change to several publishers.
type Fanout []Publisher

// Publish implements Publisher. Every publisher is tried; errors are joined.
func (f Fanout) Publish(ctx context.Context, change *models.BuildStateChange) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
