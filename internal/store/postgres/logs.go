package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildengine/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Append stores log entries in a single transaction.
func (s *LogStore) Append(ctx context.Context, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := s.insert(ctx, tx, entries); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *LogStore) insert(ctx context.Context, q queryable, entries []*models.LogEntry) error {
	query := `
		INSERT INTO build_logs (id, build_id, phase, message, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		if _, err := q.ExecContext(ctx, query,
			entry.ID,
			entry.BuildID,
			entry.Phase,
			entry.Message,
			entry.Timestamp,
		); err != nil {
			return fmt.Errorf("inserting log entry: %w", err)
		}
	}
	return nil
}

// List retrieves log entries for a build in time order.
func (s *LogStore) List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error) {
	query := `
		SELECT id, build_id, phase, message, timestamp
		FROM build_logs
		WHERE build_id = $1
		ORDER BY timestamp, id`
	args := []any{buildID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		if err := rows.Scan(&entry.ID, &entry.BuildID, &entry.Phase, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return entries, nil
}

// DeleteByBuild removes all log entries of a build.
func (s *LogStore) DeleteByBuild(ctx context.Context, buildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM build_logs WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("deleting logs: %w", err)
	}
	return nil
}
