package database

import (
	"testing"

	"github.com/pdfmap/jobstream/pkg/database"
	"github.com/pdfmap/jobstream/test/util"
)

// SharedTestDB is one PostgreSQL schema shared by several simulated
// replicas. Each replica gets its own pool via NewClient, so cross-replica
// tests exercise real NOTIFY/LISTEN delivery.
type SharedTestDB struct {
	connStr string
}

// NewSharedTestDB creates the shared schema and applies migrations once.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	s := &SharedTestDB{connStr: util.SetupTestSchema(t)}
	openClient(t, s.connStr)
	return s
}

// ConnString returns the schema-scoped connection string, for dedicated
// LISTEN connections.
func (s *SharedTestDB) ConnString() string {
	return s.connStr
}

// NewClient creates an independent client backed by a fresh pool to the
// shared schema. Closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()
	return openClient(t, s.connStr)
}
