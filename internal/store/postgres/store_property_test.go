package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/store/storetest"
)

func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore opens the test database, applies the schema and empties
// every table.
func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("failed to ping database: %v", err)
	}

	s := New(db, nil)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, table := range []string{"build_logs", "builds", "projects", "build_counters"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("cleaning %s: %v", table, err)
		}
	}
	t.Cleanup(func() { db.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, setupTestStore)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t).(*PostgresStore)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second migration: %v", err)
	}
}
