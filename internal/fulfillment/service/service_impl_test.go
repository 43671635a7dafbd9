package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/events"
	"github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	"github.com/smallbiznis/mintflow/internal/fulfillment/repository"
	"github.com/smallbiznis/mintflow/internal/fulfillment/service"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	intentrepo "github.com/smallbiznis/mintflow/internal/mintintent/repository"
	intentservice "github.com/smallbiznis/mintflow/internal/mintintent/service"
	"github.com/smallbiznis/mintflow/internal/providers/providertest"
	"github.com/smallbiznis/mintflow/internal/ratelimit"
	"github.com/smallbiznis/mintflow/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	hub      *events.Hub
	intents  *intentservice.Service
	svc      *service.Service
	identity *providertest.Identity
	minter   *providertest.Minter
	locker   ratelimit.Locker
}

func newFixture(t *testing.T, locker ratelimit.Locker) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	cat := catalog.Static(catalog.MustCompile(catalog.Config{
		Currency:     "USD",
		Destinations: "a:0.6,b:0.4",
		Pools: []catalog.PoolConfig{{
			Ref:       "genesis",
			UnitPrice: "10",
			Entries: []catalog.EntryConfig{
				{Name: "Ember", Rarity: "common", Weight: 1, TemplateRef: "tpl-ember", Image: "https://cdn.example/ember.png"},
			},
		}},
	}))
	cfg := config.Config{
		Fulfillment: config.FulfillmentConfig{
			Timeout:        5 * time.Second,
			LockTTL:        time.Minute,
			RetryGrace:     2 * time.Minute,
			RetryBaseDelay: 30 * time.Second,
		},
	}
	if locker == nil {
		locker = ratelimit.NewLocalLocker()
	}

	f := &fixture{
		db:       dbtest.Open(t),
		clock:    clock.NewFakeClock(start),
		hub:      events.NewHub(),
		identity: providertest.NewIdentity(map[string]string{"alice": "acct-1"}),
		minter:   &providertest.Minter{},
		locker:   locker,
	}
	f.intents = intentservice.NewService(intentservice.Params{
		DB:      f.db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    intentrepo.Provide(),
		Catalog: cat,
		Gateway: &providertest.Gateway{},
		Clock:   f.clock,
		Cfg:     cfg,
		Hub:     f.hub,
	})
	f.svc = service.NewService(service.Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Intents:  f.intents,
		Catalog:  cat,
		Identity: f.identity,
		Minter:   f.minter,
		Locker:   locker,
		Clock:    f.clock,
		Cfg:      cfg,
		Rand:     rand.New(rand.NewSource(1)),
	})
	return f
}

// paidIntent issues an intent and confirms its payment.
func (f *fixture) paidIntent(t *testing.T, activation *time.Time) intentdomain.MintIntent {
	t.Helper()
	return f.paidIntentOf(t, 1, activation)
}

func (f *fixture) paidIntentOf(t *testing.T, quantity int, activation *time.Time) intentdomain.MintIntent {
	t.Helper()
	ctx := context.Background()
	resp, err := f.intents.Issue(ctx, intentdomain.IssueRequest{
		Requester:      intentdomain.Requester{AccountID: "acct-1", Handle: "alice"},
		PoolRef:        "genesis",
		Quantity:       quantity,
		ActivationTime: activation,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, err := f.intents.ConfirmPayment(ctx, intentdomain.ConfirmPaymentRequest{
		ExternalRequestID: resp.ExternalRequestID,
		TransactionID:     "tx-1",
		PaymentID:         resp.ExternalRequestID + "-tx-1",
		PaidAt:            f.clock.Now(),
	})
	if err != nil || !res.Transitioned {
		t.Fatalf("confirm: transitioned=%v err=%v", res.Transitioned, err)
	}
	return *res.Intent
}

func TestFulfillBundlesQuantityIntoOneOrder(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntentOf(t, 3, nil)

	res, err := f.svc.Fulfill(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	inputs := f.minter.Inputs()
	if len(inputs) != 1 || inputs[0].Quantity != 3 {
		t.Fatalf("expected one order for three units, got %+v", inputs)
	}
	if got := dbtest.Count(t, f.db, "SELECT COUNT(*) FROM minted_items WHERE payment_id = ?", intent.PaymentRef()); got != 1 {
		t.Fatalf("expected one minted record per payment, got %d", got)
	}

	var metadata struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := json.Unmarshal(res.Item.Metadata, &metadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(metadata.ItemIDs) != 3 || metadata.ItemIDs[0] != res.Item.ID {
		t.Fatalf("unexpected item ids %v for record %s", metadata.ItemIDs, res.Item.ID)
	}
}

func TestFulfillMintsAndActivates(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntent(t, nil)

	sub, _, err := f.hub.Subscribe(events.AllPools)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	res, err := f.svc.HandlePaid(context.Background(), intent)
	if err != nil {
		t.Fatalf("handle paid: %v", err)
	}
	if res.Deferred || res.Item == nil {
		t.Fatalf("expected synchronous fulfillment, got %+v", res)
	}
	if res.Intent.Status != intentdomain.StatusActivated {
		t.Fatalf("expected activated, got %s", res.Intent.Status)
	}
	if res.Item.TemplateRef != "tpl-ember" || res.Item.ItemName != "Ember" || res.Item.RecipientAccountID != "acct-1" {
		t.Fatalf("unexpected item %+v", res.Item)
	}

	inputs := f.minter.Inputs()
	if len(inputs) != 1 || inputs[0].IdempotencyKey != intent.PaymentRef() || inputs[0].Quantity != 1 {
		t.Fatalf("unexpected mint inputs %+v", inputs)
	}

	select {
	case evt := <-sub.Events():
		if evt.To != string(intentdomain.StatusActivated) || evt.IntentID != intent.ID.String() {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatalf("expected activation event")
	}

	again, err := f.svc.Fulfill(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("repeat fulfill: %v", err)
	}
	if again.Item == nil || again.Item.ID != res.Item.ID {
		t.Fatalf("repeat fulfill must return the existing item, got %+v", again.Item)
	}
	if n := len(f.minter.Inputs()); n != 1 {
		t.Fatalf("expected one mint call, got %d", n)
	}
}

func TestConcurrentFulfillMintsOnce(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntent(t, nil)
	f.minter.Gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Fulfill(context.Background(), intent.ID.String())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.minter.Gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, domain.ErrFulfillmentInProgress) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(f.minter.Inputs()); n != 1 {
		t.Fatalf("expected one mint call, got %d", n)
	}
	if n := dbtest.Count(t, f.db, `SELECT COUNT(*) FROM minted_items`); n != 1 {
		t.Fatalf("expected one minted record, got %d", n)
	}
}

func TestFulfillRefusedWhileLockedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, ratelimit.NewRedisLocker(client))
	intent := f.paidIntent(t, nil)

	other := ratelimit.NewRedisLocker(client)
	token, ok, err := other.TryLock(context.Background(), "mint:fulfill:"+intent.ID.String(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("foreign lock: ok=%v err=%v", ok, err)
	}

	if _, err := f.svc.Fulfill(context.Background(), intent.ID.String()); !errors.Is(err, domain.ErrFulfillmentInProgress) {
		t.Fatalf("expected ErrFulfillmentInProgress, got %v", err)
	}
	if n := len(f.minter.Inputs()); n != 0 {
		t.Fatalf("minting must not run while locked, got %d calls", n)
	}

	if err := other.Release(context.Background(), "mint:fulfill:"+intent.ID.String(), token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.svc.Fulfill(context.Background(), intent.ID.String()); err != nil {
		t.Fatalf("fulfill after release: %v", err)
	}
	if mr.Exists("mint:fulfill:" + intent.ID.String()) {
		t.Fatalf("lock must be released after fulfillment")
	}
}

func TestFulfillUnresolvedRecipientRecordsFailure(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntent(t, nil)
	delete(f.identity.Accounts, "alice")

	_, err := f.svc.Fulfill(context.Background(), intent.ID.String())
	if !errors.Is(err, domain.ErrRecipientUnresolved) {
		t.Fatalf("expected ErrRecipientUnresolved, got %v", err)
	}

	stored, err := f.intents.Get(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != intentdomain.StatusPaid || stored.FulfillmentAttempts != 1 {
		t.Fatalf("expected paid with one attempt, got %+v", stored)
	}
	if stored.NextAttemptAt == nil || !stored.NextAttemptAt.Equal(start.Add(30*time.Second)) {
		t.Fatalf("unexpected next attempt %v", stored.NextAttemptAt)
	}
	if len(f.minter.Inputs()) != 0 {
		t.Fatalf("minting must not run for an unresolved recipient")
	}
}

func TestFulfillMintFailureKeepsIntentPaid(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntent(t, nil)
	f.minter.SetErr(errors.New("minting down"))

	if _, err := f.svc.Fulfill(context.Background(), intent.ID.String()); !errors.Is(err, domain.ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	stored, _ := f.intents.Get(context.Background(), intent.ID.String())
	if stored.Status != intentdomain.StatusPaid || stored.FulfillmentAttempts != 1 || stored.LastError == nil {
		t.Fatalf("unexpected intent after failure %+v", stored)
	}

	f.minter.SetErr(nil)
	res, err := f.svc.Fulfill(context.Background(), intent.ID.String())
	if err != nil || res.Intent.Status != intentdomain.StatusActivated {
		t.Fatalf("retry: %v %+v", err, res.Intent)
	}
}

func TestHandlePaidDefersFutureActivation(t *testing.T) {
	f := newFixture(t, nil)
	activation := start.Add(time.Hour)
	intent := f.paidIntent(t, &activation)

	res, err := f.svc.HandlePaid(context.Background(), intent)
	if err != nil {
		t.Fatalf("handle paid: %v", err)
	}
	if !res.Deferred || res.Item != nil || res.Intent.Status != intentdomain.StatusPaid {
		t.Fatalf("expected deferral, got %+v", res)
	}
	if _, err := f.svc.Fulfill(context.Background(), intent.ID.String()); !errors.Is(err, domain.ErrNotDue) {
		t.Fatalf("expected ErrNotDue, got %v", err)
	}
	if len(f.minter.Inputs()) != 0 {
		t.Fatalf("deferred intent must not mint")
	}

	f.clock.Advance(time.Hour)
	res, err = f.svc.Fulfill(context.Background(), intent.ID.String())
	if err != nil || res.Item == nil {
		t.Fatalf("fulfill when due: %v %+v", err, res)
	}
}

func TestFulfillActivatesExistingRecordWithoutMinting(t *testing.T) {
	f := newFixture(t, nil)
	intent := f.paidIntent(t, nil)

	inserted, err := repository.Provide().Insert(context.Background(), f.db, &domain.MintedItem{
		ID:                 "item-prior",
		PaymentID:          intent.PaymentRef(),
		IntentID:           intent.ID,
		PoolRef:            "genesis",
		TemplateRef:        "tpl-ember",
		RecipientAccountID: "acct-1",
		RecipientHandle:    "alice",
		CreatedAt:          start,
	})
	if err != nil || !inserted {
		t.Fatalf("seed record: inserted=%v err=%v", inserted, err)
	}

	res, err := f.svc.Fulfill(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if res.Item == nil || res.Item.ID != "item-prior" || res.Intent.Status != intentdomain.StatusActivated {
		t.Fatalf("expected existing record to be activated, got %+v", res)
	}
	if len(f.minter.Inputs()) != 0 {
		t.Fatalf("existing record must not be minted again")
	}
}

func TestFulfillRejectsUnpaidIntent(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.intents.Issue(context.Background(), intentdomain.IssueRequest{
		Requester: intentdomain.Requester{AccountID: "acct-1", Handle: "alice"},
		PoolRef:   "genesis",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.svc.Fulfill(context.Background(), resp.IntentID); !errors.Is(err, intentdomain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.Fulfill(context.Background(), "12345"); !errors.Is(err, intentdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
