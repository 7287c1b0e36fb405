package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDirtySchema is reported when the last migration did not finish.
var ErrDirtySchema = errors.New("database schema is dirty")

// PoolStats is a snapshot of the database/sql connection pool.
type PoolStats struct {
	Open         int   `json:"open"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	MaxOpen      int   `json:"max_open"`
	WaitCount    int64 `json:"wait_count"`
	WaitDuration int64 `json:"wait_duration_ms"`
}

// HealthStatus is the database part of GET /health.
type HealthStatus struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
	// SchemaVersion is the applied migration, nil when the database was
	// not migrated by golang-migrate (SQLite test databases).
	SchemaVersion *uint `json:"schema_version,omitempty"`
}

// Health pings the database and reports pool statistics and the schema
// version. A failed ping or a dirty schema is returned as an error along
// with the partial status.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	h := &HealthStatus{Status: "unhealthy"}

	if err := db.PingContext(ctx); err != nil {
		h.LatencyMS = time.Since(start).Milliseconds()
		return h, err
	}
	h.LatencyMS = time.Since(start).Milliseconds()

	stats := db.Stats()
	h.Pool = PoolStats{
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		MaxOpen:      stats.MaxOpenConnections,
		WaitCount:    stats.WaitCount,
		WaitDuration: stats.WaitDuration.Milliseconds(),
	}

	var (
		version uint
		dirty   bool
	)
	err := db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err == nil {
		h.SchemaVersion = &version
		if dirty {
			return h, fmt.Errorf("%w at version %d", ErrDirtySchema, version)
		}
	}

	h.Status = "healthy"
	return h, nil
}
