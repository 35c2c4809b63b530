package counter

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres allocates build numbers from the build_counters table. The upsert
// takes a row lock, which serializes concurrent callers for one project.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed allocator. The build_counters table
// is created by the store migrations.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Next returns the next build number for project.
func (p *Postgres) Next(ctx context.Context, project string) (int64, error) {
	if project == "" {
		return 0, ErrEmptyProject
	}
	query := `
		INSERT INTO build_counters (project_name, last_number)
		VALUES ($1, 1)
		ON CONFLICT (project_name)
		DO UPDATE SET last_number = build_counters.last_number + 1
		RETURNING last_number`

	var n int64
	if err := p.db.QueryRowContext(ctx, query, project).Scan(&n); err != nil {
		return 0, fmt.Errorf("allocating build number for %s: %w", project, err)
	}
	return n, nil
}
