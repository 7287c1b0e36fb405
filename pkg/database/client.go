// Package database provides the PostgreSQL client, embedded migrations and
// health reporting.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds connection and pool settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the pgx keyword/value connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c Config) applyPool(db *sql.DB) {
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Client is one pgx connection pool seen two ways: as *sql.DB for NOTIFY,
// health and raw queries, and as *gorm.DB for the stores.
type Client struct {
	orm *gorm.DB
	db  *sql.DB
	dsn string
}

// ORM returns the gorm handle.
func (c *Client) ORM() *gorm.DB { return c.orm }

// DB returns the underlying pool.
func (c *Client) DB() *sql.DB { return c.db }

// DSN returns the connection string the client was opened with. Dedicated
// LISTEN connections reuse it.
func (c *Client) DSN() string { return c.dsn }

// Close closes the pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens, migrates and returns a client for cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	return NewClientFromDSN(ctx, cfg.DSN(), cfg)
}

// NewClientFromDSN is NewClient with an explicit connection string. Pool
// settings and the migration database name are taken from cfg.
func NewClientFromDSN(ctx context.Context, dsn string, cfg Config) (client *Client, err error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	cfg.applyPool(db)

	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err = runMigrations(ctx, db, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	orm, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return &Client{orm: orm, db: db, dsn: dsn}, nil
}
