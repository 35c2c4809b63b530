package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL. Searchable
// fields are columns and the full record is kept as a JSONB document.
type BuildStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create creates a new build.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (id, project_name, build_number, build_status, current_phase,
			build_complete, start_time, end_time, initiator, report_arns, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	document, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshaling build: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		build.ID,
		build.ProjectName,
		build.BuildNumber,
		build.BuildStatus,
		build.CurrentPhase,
		build.BuildComplete,
		build.StartTime,
		build.EndTime,
		nullString(build.Initiator),
		pq.Array(reportArns(build)),
		document,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateName
		}
		return fmt.Errorf("inserting build: %w", err)
	}
	return nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM builds WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return decodeBuild(document)
}

// BatchGet retrieves the builds that exist among ids, in the order given.
func (s *BuildStore) BatchGet(ctx context.Context, ids []string) ([]*models.Build, error) {
	if len(ids) == 0 {
		return []*models.Build{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document FROM builds WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	found := make(map[string]*models.Build, len(ids))
	for rows.Next() {
		var id string
		var document []byte
		if err := rows.Scan(&id, &document); err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		build, err := decodeBuild(document)
		if err != nil {
			return nil, err
		}
		found[id] = build
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}

	builds := make([]*models.Build, 0, len(found))
	for _, id := range ids {
		if b, ok := found[id]; ok {
			builds = append(builds, b)
		}
	}
	return builds, nil
}

// ListByProject retrieves a project's builds, newest first.
func (s *BuildStore) ListByProject(ctx context.Context, projectName string, limit int) ([]*models.Build, error) {
	query := `
		SELECT document FROM builds
		WHERE project_name = $1
		ORDER BY build_number DESC`
	args := []any{projectName}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// ListIncomplete retrieves every build not yet marked complete, oldest first.
func (s *BuildStore) ListIncomplete(ctx context.Context) ([]*models.Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM builds WHERE NOT build_complete ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("querying incomplete builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// Update replaces a build record unless the stored record is already complete.
func (s *BuildStore) Update(ctx context.Context, build *models.Build) error {
	query := `
		UPDATE builds
		SET build_status = $2, current_phase = $3, build_complete = $4,
			end_time = $5, report_arns = $6, document = $7
		WHERE id = $1 AND NOT build_complete`

	document, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshaling build: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query,
		build.ID,
		build.BuildStatus,
		build.CurrentPhase,
		build.BuildComplete,
		build.EndTime,
		pq.Array(reportArns(build)),
		document,
	)
	if err != nil {
		return fmt.Errorf("updating build: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the build is unknown or it is frozen.
	var complete bool
	err = s.db.QueryRowContext(ctx, `SELECT build_complete FROM builds WHERE id = $1`, build.ID).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking build: %w", err)
	}
	return store.ErrBuildComplete
}

func scanBuilds(rows *sql.Rows) ([]*models.Build, error) {
	var builds []*models.Build
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		build, err := decodeBuild(document)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}

func decodeBuild(document []byte) (*models.Build, error) {
	build := &models.Build{}
	if err := json.Unmarshal(document, build); err != nil {
		return nil, fmt.Errorf("unmarshaling build: %w", err)
	}
	return build, nil
}

func reportArns(b *models.Build) []string {
	if b.ReportArns == nil {
		return []string{}
	}
	return b.ReportArns
}
