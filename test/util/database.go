// Package util holds fixtures shared by integration tests: PostgreSQL
// schemas, Redis databases and in-memory SQLite handles.
package util

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// postgresImage is the server version the migrations are written against.
const postgresImage = "postgres:17-alpine"

var pgServer struct {
	once sync.Once
	url  string
	err  error
}

// SetupTestSchema creates an empty schema for the calling test and returns
// a connection string with search_path pinned to it, so every pooled
// connection sees only that schema. The schema is dropped on cleanup.
//
// CI_DATABASE_URL selects an external server; otherwise one
// testcontainer is started per test binary. Skipped in -short mode.
func SetupTestSchema(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}

	base := postgresURL(t)
	schema := UniqueName(t, "test")
	execAdmin(t, base, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize())
	t.Cleanup(func() {
		execAdmin(t, base, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})

	scoped, err := withSearchPath(base, schema)
	require.NoError(t, err)
	return scoped
}

// UniqueName returns prefix joined with a sanitized test name and a random
// suffix, short enough for a PostgreSQL identifier or NOTIFY channel.
func UniqueName(t *testing.T, prefix string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, t.Name())
	if len(name) > 36 {
		name = name[:36]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return prefix + "_" + name + "_" + suffix
}

func postgresURL(t *testing.T) string {
	if u := os.Getenv("CI_DATABASE_URL"); u != "" {
		return u
	}
	pgServer.once.Do(func() {
		ctx := context.Background()
		t.Log("Starting PostgreSQL testcontainer")
		c, err := postgres.Run(ctx, postgresImage,
			postgres.WithDatabase("jobstream"),
			postgres.WithUsername("jobstream"),
			postgres.WithPassword("jobstream"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(45*time.Second)),
		)
		if err != nil {
			pgServer.err = fmt.Errorf("start postgres container: %w", err)
			return
		}
		pgServer.url, pgServer.err = c.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgServer.err, "PostgreSQL fixture unavailable")
	return pgServer.url
}

// execAdmin runs one statement on a short-lived connection outside any
// test schema.
func execAdmin(t *testing.T, connStr, stmt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Logf("admin connection failed (%s): %v", stmt, err)
		return
	}
	defer func() { _ = conn.Close(context.Background()) }()
	if _, err := conn.Exec(ctx, stmt); err != nil {
		t.Errorf("%s: %v", stmt, err)
	}
}

func withSearchPath(connStr, schema string) (string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return "", fmt.Errorf("parse connection string: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
