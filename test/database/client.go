// Package database provides PostgreSQL-backed clients for integration tests.
package database

import (
	"context"
	"testing"

	"github.com/pdfmap/jobstream/pkg/database"
	"github.com/pdfmap/jobstream/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a migrated client on a fresh per-test schema.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: uses the shared PostgreSQL testcontainer.
// Schema drop and connection close are registered with t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	connStr := util.SetupTestSchema(t)
	return openClient(t, connStr)
}

func openClient(t *testing.T, connStr string) *database.Client {
	t.Helper()
	client, err := database.NewClientFromDSN(context.Background(), connStr, database.Config{
		Database:     "test",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
