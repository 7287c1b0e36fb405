package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// dispatchIndexes are created after the versioned migrations. They are
// idempotent and tuned to the dispatcher and job status queries, so they
// live outside the numbered files.
var dispatchIndexes = []struct{ name, ddl string }{
	// Pending workspaces polled by the dispatcher every few seconds.
	{"idx_workspaces_dispatchable", `CREATE INDEX IF NOT EXISTS idx_workspaces_dispatchable
		ON workspaces (updated_at DESC)
		WHERE pipeline_state IN ('idle', 'failed') AND NOT soft_deleted`},
	// Workspaces whose tree changed since the last CRM sync.
	{"idx_workspaces_sync_due", `CREATE INDEX IF NOT EXISTS idx_workspaces_sync_due
		ON workspaces (updated_at)
		WHERE pipeline_state = 'succeeded' AND NOT soft_deleted`},
	// Containment queries on merged job metadata.
	{"idx_job_status_meta_gin", `CREATE INDEX IF NOT EXISTS idx_job_status_meta_gin
		ON job_status USING gin (meta_json jsonb_path_ops)`},
}

// CreateDispatchIndexes creates dispatchIndexes.
func CreateDispatchIndexes(ctx context.Context, db *sql.DB) error {
	for _, idx := range dispatchIndexes {
		if _, err := db.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// runMigrations brings the schema to the latest embedded version, then
// creates dispatchIndexes.
func runMigrations(ctx context.Context, db *sql.DB, dbName string) error {
	ok, err := hasEmbeddedMigrations()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no embedded migration files found, binary may be built incorrectly")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}
	// m.Close would also close db, which the caller keeps using.
	defer func() { _ = source.Close() }()

	target, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dbName, target)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return CreateDispatchIndexes(ctx, db)
}

func hasEmbeddedMigrations() (bool, error) {
	matches, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	return len(matches) > 0, nil
}
