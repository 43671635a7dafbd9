package db

import (
	"errors"
	"testing"

	"github.com/smallbiznis/mintflow/internal/config"
)

func TestDialectRejectsMySQL(t *testing.T) {
	for _, dbType := range []string{"mysql", "MySQL ", "oracle", ""} {
		if _, err := Dialect(config.Config{DBType: dbType}); !errors.Is(err, ErrUnsupportedDialect) {
			t.Fatalf("%q: expected ErrUnsupportedDialect, got %v", dbType, err)
		}
	}
}

func TestDialectAcceptsMigratedDatabases(t *testing.T) {
	cases := map[string]string{
		"postgres": "postgres",
		"sqlite":   "sqlite",
	}
	for dbType, want := range cases {
		dialector, err := Dialect(config.Config{DBType: dbType, DBSQLitePath: ":memory:"})
		if err != nil {
			t.Fatalf("%s: %v", dbType, err)
		}
		if got := dialector.Name(); got != want {
			t.Fatalf("%s: expected dialector %q, got %q", dbType, want, got)
		}
	}
}
