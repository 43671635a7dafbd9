package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/mintflow/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// Dialect opens postgres or sqlite. Both ship migrations and accept the
// INSERT ... ON CONFLICT writes used by the ledger and minted items.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "mysql":
		return nil, fmt.Errorf("%w: mysql has no migrations and no ON CONFLICT support; use postgres or sqlite", ErrUnsupportedDialect)
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open(cfg.DBSQLitePath + "?_busy_timeout=5000&_journal_mode=WAL"), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}
