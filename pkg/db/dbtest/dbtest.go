// Package dbtest opens in-memory sqlite databases carrying the production schema.
package dbtest

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/mintflow/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a fresh database with every sqlite migration applied. The pool
// is pinned to one connection so the in-memory database is shared.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	statements, err := migration.SchemaStatements("sqlite")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// Count runs a COUNT query and fails the test on error.
func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}
