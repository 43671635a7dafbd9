package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	fulfillmentrepo "github.com/smallbiznis/mintflow/internal/fulfillment/repository"
	fulfillmentservice "github.com/smallbiznis/mintflow/internal/fulfillment/service"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	intentrepo "github.com/smallbiznis/mintflow/internal/mintintent/repository"
	intentservice "github.com/smallbiznis/mintflow/internal/mintintent/service"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	"github.com/smallbiznis/mintflow/internal/providers/providertest"
	"github.com/smallbiznis/mintflow/internal/ratelimit"
	"github.com/smallbiznis/mintflow/pkg/db/dbtest"
	"go.uber.org/zap"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "mintflow",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "mintflow",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "mintflow_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "mintflow",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "mintflow_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsFailures(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(start)}
	boom := errors.New("boom")
	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}.withDefaults()}
	if !s.isJobEnabled(JobActivateDue) || !s.isJobEnabled(JobAbandonExhausted) {
		t.Fatalf("empty list must enable every job")
	}
	s.cfg.EnabledJobs = []string{" Activate_Due "}
	if !s.isJobEnabled(JobActivateDue) {
		t.Fatalf("expected activate_due enabled")
	}
	if s.isJobEnabled(JobAbandonExhausted) {
		t.Fatalf("expected abandon_exhausted disabled")
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Params{Log: zap.NewNop()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

type fixture struct {
	clock     *clock.FakeClock
	intents   *intentservice.Service
	minter    *providertest.Minter
	scheduler *Scheduler
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	cat := catalog.Static(catalog.MustCompile(catalog.Config{
		Currency:     "USD",
		Destinations: "a",
		Pools: []catalog.PoolConfig{{
			Ref:       "genesis",
			UnitPrice: "10",
			Entries:   []catalog.EntryConfig{{Name: "Ember", Weight: 1, TemplateRef: "tpl-ember"}},
		}},
	}))
	cfg := config.Config{
		Fulfillment: config.FulfillmentConfig{
			Timeout:        5 * time.Second,
			LockTTL:        time.Minute,
			MaxAttempts:    maxAttempts,
			RetryGrace:     2 * time.Minute,
			RetryBaseDelay: 30 * time.Second,
		},
	}

	db := dbtest.Open(t)
	fc := clock.NewFakeClock(start)
	repo := intentrepo.Provide()
	f := &fixture{clock: fc, minter: &providertest.Minter{}}
	f.intents = intentservice.NewService(intentservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repo,
		Catalog: cat,
		Gateway: &providertest.Gateway{},
		Clock:   fc,
		Cfg:     cfg,
	})
	fulfillment := fulfillmentservice.NewService(fulfillmentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     fulfillmentrepo.Provide(),
		Intents:  f.intents,
		Catalog:  cat,
		Identity: providertest.NewIdentity(map[string]string{"alice": "acct-1"}),
		Minter:   f.minter,
		Locker:   ratelimit.NewLocalLocker(),
		Clock:    fc,
		Cfg:      cfg,
		Rand:     rand.New(rand.NewSource(1)),
	})
	f.scheduler, err = New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		IntentRepo:  repo,
		Intents:     f.intents,
		Fulfillment: fulfillment,
		GenID:       node,
		Clock:       fc,
		Config:      ProvideConfig(cfg),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return f
}

func (f *fixture) paidIntent(t *testing.T, activation *time.Time) intentdomain.MintIntent {
	t.Helper()
	ctx := context.Background()
	resp, err := f.intents.Issue(ctx, intentdomain.IssueRequest{
		Requester:      intentdomain.Requester{AccountID: "acct-1", Handle: "alice"},
		PoolRef:        "genesis",
		Quantity:       1,
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

func TestRunOnceActivatesDeferredIntentWhenDue(t *testing.T) {
	f := newFixture(t, 0)
	activation := start.Add(time.Hour)
	intent := f.paidIntent(t, &activation)

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run before activation: %v", err)
	}
	if n := len(f.minter.Inputs()); n != 0 {
		t.Fatalf("expected no mint before activation, got %d", n)
	}

	f.clock.Set(activation.Add(time.Second))
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run after activation: %v", err)
	}

	got, err := f.intents.Get(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intentdomain.StatusActivated {
		t.Fatalf("expected activated, got %s", got.Status)
	}
	if n := len(f.minter.Inputs()); n != 1 {
		t.Fatalf("expected one mint, got %d", n)
	}

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("idle run: %v", err)
	}
	if n := len(f.minter.Inputs()); n != 1 {
		t.Fatalf("activated intents must not mint again, got %d", n)
	}
}

func TestRunOnceAbandonsExhaustedIntents(t *testing.T) {
	f := newFixture(t, 2)
	intent := f.paidIntent(t, nil)
	f.minter.SetErr(errors.New("minting unavailable"))

	for i := 0; i < 2; i++ {
		f.clock.Advance(2 * time.Hour)
		_ = f.scheduler.RunOnce(context.Background())
	}

	got, err := f.intents.Get(context.Background(), intent.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intentdomain.StatusFailed {
		t.Fatalf("expected failed, got %s (attempts %d)", got.Status, got.FulfillmentAttempts)
	}
	if got.FulfillmentAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.FulfillmentAttempts)
	}
	if got.LastError == nil || !strings.HasPrefix(*got.LastError, abandonReason+": ") || !strings.Contains(*got.LastError, "minting unavailable") {
		t.Fatalf("expected abandon reason with last minting error, got %v", got.LastError)
	}
	if n := len(f.minter.Inputs()); n != 2 {
		t.Fatalf("expected 2 mint attempts, got %d", n)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
