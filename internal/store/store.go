// Package store provides database access interfaces and implementations.
package store

import (
	"context"

	"github.com/narvanalabs/buildengine/internal/models"
)

// ProjectStore defines operations for stored project configurations.
type ProjectStore interface {
	// Create stores a new project. ErrDuplicateName if the name is taken.
	Create(ctx context.Context, project *models.Project) error
	// Get retrieves a project by name.
	Get(ctx context.Context, name string) (*models.Project, error)
	// List retrieves all projects ordered by name.
	List(ctx context.Context) ([]*models.Project, error)
	// Update replaces a stored project.
	Update(ctx context.Context, project *models.Project) error
	// Delete removes a project. Its builds are kept.
	Delete(ctx context.Context, name string) error
}

// BuildStore defines operations for build records.
type BuildStore interface {
	// Create stores a new build.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build by ID.
	Get(ctx context.Context, id string) (*models.Build, error)
	// BatchGet retrieves the builds that exist among ids, in the order given.
	BatchGet(ctx context.Context, ids []string) ([]*models.Build, error)
	// ListByProject retrieves a project's builds, newest first.
	ListByProject(ctx context.Context, projectName string, limit int) ([]*models.Build, error)
	// ListIncomplete retrieves every build not yet marked complete.
	ListIncomplete(ctx context.Context) ([]*models.Build, error)
	// Update replaces a build record. A record already stored as complete
	// cannot be changed and yields ErrBuildComplete.
	Update(ctx context.Context, build *models.Build) error
}

// LogStore defines operations for build log lines.
type LogStore interface {
	// Append stores log entries.
	Append(ctx context.Context, entries []*models.LogEntry) error
	// List retrieves the first limit log entries of a build in time order.
	List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error)
	// DeleteByBuild removes all log entries of a build.
	DeleteByBuild(ctx context.Context, buildID string) error
}

// Store is the main interface for persistence.
type Store interface {
	// Projects returns the ProjectStore.
	Projects() ProjectStore
	// Builds returns the BuildStore.
	Builds() BuildStore
	// Logs returns the LogStore.
	Logs() LogStore

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
