package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/mintflow/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithIntentID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" || fields["intent_id"] != "42" || fields["actor_id"] != "scheduler" {
		t.Fatalf("missing correlation fields: %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("trace_id must be omitted without a span")
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"select 1":                         "SELECT",
		"  update mint_intents set x = 1":  "UPDATE",
		"INSERT INTO payment_records (id)": "INSERT",
		"VACUUM":                           "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("%q: expected %s, got %s", sql, want, got)
		}
	}
}
