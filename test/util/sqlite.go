package util

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteDB returns an in-memory gorm database with every model migrated.
// Each test gets its own database. SQLite serializes writers, so the pool is
// pinned to one connection and row locks are no-ops.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Workspace{},
		&models.PageImage{},
		&models.Polygon{},
		&models.JobStatus{},
		&models.SequenceCounter{},
		&models.ProjectMember{},
		&models.WorkspaceMember{},
		&models.Notification{},
	))

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}
