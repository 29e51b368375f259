package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/railrepay/evaluation-coordinator/pkg/config"
	"github.com/railrepay/evaluation-coordinator/pkg/model"
)

type Store struct {
	db *gorm.DB
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&model.Workflow{},
		&model.EvaluationStep{},
		&model.OutboxEvent{},
	); err != nil {
		return err
	}

	// FAILED workflows are excluded so a journey can be re-evaluated after a
	// terminal failure. This index closes the check-then-insert race left by
	// the application-level duplicate pre-check.
	return s.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_journey_active
		 ON evaluation_workflows (journey_id) WHERE status <> 'FAILED'`,
	).Error
}
