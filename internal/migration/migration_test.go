package migration

import (
	"strings"
	"testing"
)

func TestSchemaStatementsCoverCoreTables(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		statements, err := SchemaStatements(dialect)
		if err != nil {
			t.Fatalf("%s: %v", dialect, err)
		}
		joined := strings.Join(statements, "\n")
		for _, table := range []string{"mint_intents", "payment_records", "minted_items", "ux_minted_items_payment_id", "audit_logs"} {
			if !strings.Contains(joined, table) {
				t.Fatalf("%s: schema is missing %s", dialect, table)
			}
		}
	}
}

func TestSchemaStatementsUnknownDialect(t *testing.T) {
	if _, err := SchemaStatements("oracle"); err == nil {
		t.Fatalf("expected error for unknown dialect")
	}
}
