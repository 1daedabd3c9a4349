package dao

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if necessary) the history database. SQLite is used
// in single-connection mode, which serializes all callers. Access is not
// confined to the scheduler: the HTTP log endpoint reads stored logs
// directly.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

func initSchema(db *gorm.DB) error {
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS builds(` +
		`name TEXT, number INT UNSIGNED, node TEXT, queuedAt INT, ` +
		`startedAt INT, completedAt INT, result INT, output TEXT, ` +
		`outputLen INT, parentJob TEXT, parentBuild INT, reason TEXT, ` +
		`PRIMARY KEY (name, number))`).Error; err != nil {
		return fmt.Errorf("create builds table: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_completion_time ` +
		`ON builds(completedAt DESC)`).Error; err != nil {
		return fmt.Errorf("create completion index: %w", err)
	}
	return nil
}
