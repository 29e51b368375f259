package postgres

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

// openTestDB gives each test an isolated in-memory database with the same
// schema, including the partial unique index (sqlite supports the WHERE
// clause syntax used for postgres). A single connection keeps the foreign
// key pragma in force for every statement.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := db.AutoMigrate(
		&model.Workflow{},
		&model.EvaluationStep{},
		&model.OutboxEvent{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_journey_active
		 ON evaluation_workflows (journey_id) WHERE status <> 'FAILED'`,
	).Error; err != nil {
		t.Fatalf("failed to create unique index: %v", err)
	}

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
