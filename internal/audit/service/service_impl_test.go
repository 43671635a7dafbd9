package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	"github.com/smallbiznis/mintflow/internal/audit/repository"
	"github.com/smallbiznis/mintflow/internal/clock"
	obscontext "github.com/smallbiznis/mintflow/internal/observability/context"
	"github.com/smallbiznis/mintflow/pkg/db/dbtest"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) auditdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func TestRecordUsesContextActorAndRequestID(t *testing.T) {
	svc := newTestService(t)

	ctx := obscontext.WithActor(context.Background(), "admin", "ops")
	ctx = obscontext.WithRequestID(ctx, "req-1")
	err := svc.Record(ctx, auditdomain.Entry{
		Action:     auditdomain.ActionIntentAbandon,
		TargetType: "mint_intent",
		TargetID:   "42",
		Metadata:   map[string]any{"reason": "stuck"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.AuditLogs) != 1 {
		t.Fatalf("expected one entry, got %d", len(resp.AuditLogs))
	}
	entry := resp.AuditLogs[0]
	if entry.ActorType != "admin" || entry.ActorID == nil || *entry.ActorID != "ops" {
		t.Fatalf("unexpected actor %s/%v", entry.ActorType, entry.ActorID)
	}
	if entry.TargetID == nil || *entry.TargetID != "42" {
		t.Fatalf("unexpected target %v", entry.TargetID)
	}
	if entry.Metadata["reason"] != "stuck" || entry.Metadata["request_id"] != "req-1" {
		t.Fatalf("unexpected metadata %v", entry.Metadata)
	}
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Record(context.Background(), auditdomain.Entry{Action: "x.y"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.AuditLogs) != 1 || resp.AuditLogs[0].ActorType != "system" || resp.AuditLogs[0].TargetType != "unknown" {
		t.Fatalf("unexpected entries %+v", resp.AuditLogs)
	}
}

func TestRecordRequiresAction(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Record(context.Background(), auditdomain.Entry{Action: "  "}); !errors.Is(err, auditdomain.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Record(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeGateway,
			Action:     auditdomain.ActionWebhookRejected,
			TargetType: "payment_webhook",
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionIntentFulfill, TargetType: "mint_intent"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		Action:     auditdomain.ActionWebhookRejected,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.AuditLogs) != 2 || !first.HasMore || first.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", first)
	}

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
		Action:     auditdomain.ActionWebhookRejected,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second.AuditLogs) != 1 || second.HasMore {
		t.Fatalf("unexpected second page %+v", second)
	}
	if second.AuditLogs[0].ID >= first.AuditLogs[1].ID {
		t.Fatalf("expected descending ids across pages")
	}

	if _, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}}); !errors.Is(err, auditdomain.ErrInvalidPageToken) {
		t.Fatalf("expected invalid page token, got %v", err)
	}
}
