package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/events"
	"github.com/smallbiznis/mintflow/internal/mintintent/domain"
	"github.com/smallbiznis/mintflow/internal/mintintent/repository"
	"github.com/smallbiznis/mintflow/internal/mintintent/service"
	"github.com/smallbiznis/mintflow/internal/providers/gateway"
	"github.com/smallbiznis/mintflow/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu    sync.Mutex
	calls []gateway.CreatePaymentRequestInput
	err   error
	next  int
}

func (g *fakeGateway) CreatePaymentRequest(ctx context.Context, in gateway.CreatePaymentRequestInput) (gateway.PaymentRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, in)
	if g.err != nil {
		return gateway.PaymentRequest{}, g.err
	}
	g.next++
	id := "req-" + string(rune('0'+g.next))
	return gateway.PaymentRequest{ID: id, URL: "https://pay.example/" + id}, nil
}

type fixture struct {
	db      *gorm.DB
	svc     *service.Service
	gateway *fakeGateway
	clock   *clock.FakeClock
	hub     *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	cat := catalog.MustCompile(catalog.Config{
		Currency:     "USD",
		Destinations: "a:0.6,b:0.4",
		Pools: []catalog.PoolConfig{{
			Ref:       "genesis",
			Name:      "Genesis",
			UnitPrice: "10",
			Entries:   []catalog.EntryConfig{{Name: "Ember", Weight: 1, TemplateRef: "tpl-ember"}},
		}},
	})

	f := &fixture{
		db:      dbtest.Open(t),
		gateway: &fakeGateway{},
		clock:   clock.NewFakeClock(start),
		hub:     events.NewHub(),
	}
	f.svc = service.NewService(service.Params{
		DB:      f.db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Catalog: catalog.Static(cat),
		Gateway: f.gateway,
		Clock:   f.clock,
		Cfg: config.Config{
			Webhook:     config.WebhookConfig{CallbackURL: "https://mint.example/webhooks/payments"},
			Fulfillment: config.FulfillmentConfig{RetryGrace: 2 * time.Minute, RetryBaseDelay: 30 * time.Second},
		},
		Hub: f.hub,
	})
	return f
}

func (f *fixture) issue(t *testing.T, activation *time.Time) domain.IssueResponse {
	t.Helper()
	resp, err := f.svc.Issue(context.Background(), domain.IssueRequest{
		Requester:      domain.Requester{AccountID: "acct-1", Handle: "alice"},
		PoolRef:        "genesis",
		Quantity:       1,
		ActivationTime: activation,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return resp
}

func (f *fixture) confirm(t *testing.T, requestID string) domain.ConfirmPaymentResult {
	t.Helper()
	res, err := f.svc.ConfirmPayment(context.Background(), domain.ConfirmPaymentRequest{
		ExternalRequestID: requestID,
		TransactionID:     "tx-1",
		PaymentID:         requestID + "-tx-1",
		PaidAt:            f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return res
}

func TestIssueSplitsPaymentAcrossDestinations(t *testing.T) {
	f := newFixture(t)
	resp := f.issue(t, nil)

	if resp.ExternalRequestID != "req-1" || resp.ExternalRequestURL == "" || resp.IntentID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(f.gateway.calls) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(f.gateway.calls))
	}
	call := f.gateway.calls[0]
	if len(call.Receivers) != 2 {
		t.Fatalf("expected two receivers, got %+v", call.Receivers)
	}
	if call.Receivers[0].Address != "a" || !call.Receivers[0].Amount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("unexpected first receiver %+v", call.Receivers[0])
	}
	if call.Receivers[1].Address != "b" || !call.Receivers[1].Amount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected second receiver %+v", call.Receivers[1])
	}
	if call.Metadata["intentId"] != resp.IntentID || call.Metadata["poolRef"] != "genesis" {
		t.Fatalf("metadata not self-describing: %+v", call.Metadata)
	}
	if call.WebhookURL != "https://mint.example/webhooks/payments" {
		t.Fatalf("unexpected webhook url %q", call.WebhookURL)
	}

	intent, err := f.svc.Get(context.Background(), resp.IntentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if intent.Status != domain.StatusPendingPayment || !intent.AmountRequested.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requester := domain.Requester{AccountID: "acct-1", Handle: "alice"}

	if _, err := f.svc.Issue(ctx, domain.IssueRequest{Requester: requester, PoolRef: "missing", Quantity: 1}); !errors.Is(err, domain.ErrInvalidPool) {
		t.Fatalf("expected ErrInvalidPool, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, domain.IssueRequest{Requester: requester, PoolRef: "genesis", Quantity: 0}); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, domain.IssueRequest{PoolRef: "genesis", Quantity: 1}); !errors.Is(err, domain.ErrInvalidRequester) {
		t.Fatalf("expected ErrInvalidRequester, got %v", err)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatalf("gateway must not be called for invalid requests")
	}
}

func TestIssueGatewayFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = gateway.ErrUnavailable

	_, err := f.svc.Issue(context.Background(), domain.IssueRequest{
		Requester: domain.Requester{AccountID: "acct-1", Handle: "alice"},
		PoolRef:   "genesis",
		Quantity:  1,
	})
	if !errors.Is(err, domain.ErrDownstreamUnavailable) {
		t.Fatalf("expected ErrDownstreamUnavailable, got %v", err)
	}
	if n := dbtest.Count(t, f.db, "SELECT COUNT(1) FROM mint_intents"); n != 0 {
		t.Fatalf("expected no intents, got %d", n)
	}
}

func TestIssuePastActivationIsImmediate(t *testing.T) {
	f := newFixture(t)
	past := start.Add(-time.Hour)
	resp := f.issue(t, &past)

	intent, err := f.svc.Get(context.Background(), resp.IntentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if intent.ActivationTime != nil {
		t.Fatalf("expected past activation to be dropped, got %v", intent.ActivationTime)
	}
}

func TestConfirmPaymentTransitionsOnce(t *testing.T) {
	f := newFixture(t)
	sub, _, err := f.hub.Subscribe(events.AllPools)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	resp := f.issue(t, nil)
	<-sub.Events()

	first := f.confirm(t, resp.ExternalRequestID)
	if !first.Transitioned || first.Intent == nil || first.Intent.Status != domain.StatusPaid {
		t.Fatalf("expected transition to paid, got %+v", first)
	}
	second := f.confirm(t, resp.ExternalRequestID)
	if second.Transitioned {
		t.Fatalf("duplicate confirmation must not transition")
	}
	if second.Intent == nil || second.Intent.Status != domain.StatusPaid {
		t.Fatalf("expected existing paid intent, got %+v", second.Intent)
	}

	select {
	case evt := <-sub.Events():
		if evt.From != string(domain.StatusPendingPayment) || evt.To != string(domain.StatusPaid) {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatalf("expected paid event")
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected second event %+v", evt)
	default:
	}
}

func TestConfirmPaymentWithoutIntent(t *testing.T) {
	f := newFixture(t)
	res := f.confirm(t, "req-unknown")
	if res.Intent != nil || res.Transitioned {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.issue(t, nil)

	if _, err := f.svc.Acknowledge(ctx, resp.IntentID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("acknowledge before activation must fail, got %v", err)
	}
	if _, err := f.svc.Abandon(ctx, resp.IntentID, "operator"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("abandon before payment must fail, got %v", err)
	}

	f.confirm(t, resp.ExternalRequestID)
	activated, err := f.svc.MarkActivated(ctx, resp.IntentID)
	if err != nil || activated.Status != domain.StatusActivated {
		t.Fatalf("activate: %v %+v", err, activated)
	}
	if _, err := f.svc.MarkActivated(ctx, resp.IntentID); err != nil {
		t.Fatalf("repeat activation must be idempotent: %v", err)
	}
	if _, err := f.svc.Abandon(ctx, resp.IntentID, "operator"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("activated intent cannot fail, got %v", err)
	}

	completed, err := f.svc.Acknowledge(ctx, resp.IntentID)
	if err != nil || completed.Status != domain.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("acknowledge: %v %+v", err, completed)
	}
	if _, err := f.svc.MarkActivated(ctx, resp.IntentID); err != nil {
		t.Fatalf("activation of completed intent must be a no-op: %v", err)
	}

	if _, err := f.svc.Get(ctx, "not-an-id"); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "12345"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.issue(t, nil)
	f.confirm(t, resp.ExternalRequestID)

	first, err := f.svc.RecordFailure(ctx, resp.IntentID, errors.New("minting down"))
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if first.FulfillmentAttempts != 1 || !first.NextAttemptAt.Equal(start.Add(30*time.Second)) {
		t.Fatalf("unexpected first failure %+v", first)
	}
	second, err := f.svc.RecordFailure(ctx, resp.IntentID, errors.New("minting down"))
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if second.FulfillmentAttempts != 2 || !second.NextAttemptAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected second failure %+v", second)
	}
	if second.Status != domain.StatusPaid || second.LastError == nil || *second.LastError != "minting down" {
		t.Fatalf("failure must keep intent paid with last error, got %+v", second)
	}

	failed, err := f.svc.Abandon(ctx, resp.IntentID, "exhausted")
	if err != nil || failed.Status != domain.StatusFailed {
		t.Fatalf("abandon: %v %+v", err, failed)
	}
	if failed.LastError == nil || *failed.LastError != "exhausted" || failed.FailedAt == nil || failed.NextAttemptAt != nil {
		t.Fatalf("abandon must store the reason and clear the retry, got %+v", failed)
	}
	again, err := f.svc.Abandon(ctx, resp.IntentID, "second reason")
	if err != nil || again.LastError == nil || *again.LastError != "exhausted" {
		t.Fatalf("repeated abandon must keep the first reason: %v %+v", err, again)
	}
	if _, err := f.svc.RecordFailure(ctx, resp.IntentID, errors.New("late")); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failure on failed intent must be rejected, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{
		1:  30 * time.Second,
		2:  time.Minute,
		3:  2 * time.Minute,
		20: time.Hour,
	}
	for attempt, want := range cases {
		if got := service.RetryDelay(30*time.Second, attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.issue(t, nil)
	f.issue(t, nil)
	f.confirm(t, first.ExternalRequestID)

	resp, err := f.svc.List(ctx, domain.ListRequest{Status: "paid"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Intents) != 1 || resp.Intents[0].ID.String() != first.IntentID {
		t.Fatalf("unexpected intents %+v", resp.Intents)
	}
	if _, err := f.svc.List(ctx, domain.ListRequest{Status: "bogus"}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}
