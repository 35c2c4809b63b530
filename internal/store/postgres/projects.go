package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
)

// ProjectStore implements store.ProjectStore using PostgreSQL.
type ProjectStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create creates a new project.
func (s *ProjectStore) Create(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (name, arn, description, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	config, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshaling project: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		project.Name,
		nullString(project.Arn),
		nullString(project.Description),
		config,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateName
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// Get retrieves a project by name.
func (s *ProjectStore) Get(ctx context.Context, name string) (*models.Project, error) {
	query := `SELECT config FROM projects WHERE name = $1`

	var config []byte
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}

	project := &models.Project{}
	if err := json.Unmarshal(config, project); err != nil {
		return nil, fmt.Errorf("unmarshaling project: %w", err)
	}
	return project, nil
}

// List retrieves all projects ordered by name.
func (s *ProjectStore) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var config []byte
		if err := rows.Scan(&config); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		project := &models.Project{}
		if err := json.Unmarshal(config, project); err != nil {
			return nil, fmt.Errorf("unmarshaling project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projects: %w", err)
	}
	return projects, nil
}

// Update replaces a stored project.
func (s *ProjectStore) Update(ctx context.Context, project *models.Project) error {
	query := `
		UPDATE projects
		SET arn = $2, description = $3, config = $4, updated_at = $5
		WHERE name = $1`

	project.UpdatedAt = time.Now().UTC()
	config, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshaling project: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query,
		project.Name,
		nullString(project.Arn),
		nullString(project.Description),
		config,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes a project.
func (s *ProjectStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
