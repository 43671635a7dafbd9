package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	fulfillmentdomain "github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	"github.com/smallbiznis/mintflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultFulfillmentTimeout = time.Minute

type Params struct {
	fx.In

	Log         *zap.Logger
	Ledger      domain.Ledger
	Intents     intentdomain.Service
	Fulfillment fulfillmentdomain.Service
	Clock       clock.Clock
	Cfg         config.Config
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log                *zap.Logger
	auth               *Authenticator
	ledger             domain.Ledger
	intents            intentdomain.Service
	fulfillment        fulfillmentdomain.Service
	clock              clock.Clock
	fulfillmentTimeout time.Duration
	obsMetrics         *obsmetrics.Metrics
}

func New(p Params) domain.WebhookService {
	return NewService(p)
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	timeout := p.Cfg.Fulfillment.Timeout
	if timeout <= 0 {
		timeout = defaultFulfillmentTimeout
	}
	return &Service{
		log:                p.Log.Named("payment.webhook"),
		auth:               NewAuthenticator(p.Cfg.Webhook),
		ledger:             p.Ledger,
		intents:            p.Intents,
		fulfillment:        p.Fulfillment,
		clock:              clk,
		fulfillmentTimeout: timeout,
		obsMetrics:         p.ObsMetrics,
	}
}

// IngestWebhook authenticates a gateway notification, ledgers it and drives
// the matching intent forward. Once the ledger write is durable the delivery
// succeeds even if fulfillment fails; the scheduler retries fulfillment.
func (s *Service) IngestWebhook(ctx context.Context, headers http.Header, body []byte) (domain.IngestResult, error) {
	now := s.clock.Now()

	authenticated, err := s.auth.Authenticate(headers, body, now)
	if err != nil {
		s.obsMetrics.RecordPaymentNotification(ctx, "rejected", rejectReason(err))
		s.log.Warn("payment webhook rejected", zap.Error(err))
		return domain.IngestResult{}, err
	}

	record, inserted, err := s.ledger.Record(ctx, authenticated.Record)
	if err != nil {
		s.obsMetrics.RecordPaymentNotification(ctx, "rejected", "ledger")
		if errors.Is(err, domain.ErrInvalidRecord) {
			return domain.IngestResult{}, fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
		}
		s.log.Error("payment ledger write failed",
			zap.String("payment_id", authenticated.Record.ID),
			zap.Error(err),
		)
		return domain.IngestResult{}, err
	}

	result := domain.IngestResult{PaymentID: record.ID, Recorded: inserted}

	switch n := authenticated.Notification.(type) {
	case domain.PaymentFailed:
		result.Outcome = domain.OutcomePaymentFailed
		s.log.Warn("payment failed",
			zap.String("payment_id", record.ID),
			zap.String("external_request_id", n.RequestID),
			zap.String("reason", n.Reason),
		)
		s.obsMetrics.RecordPaymentNotification(ctx, result.Outcome, "")
		return result, nil
	case domain.PaymentSucceeded:
		return s.reconcile(ctx, n, record, result)
	default:
		return domain.IngestResult{}, fmt.Errorf("%w: unknown notification shape", domain.ErrMalformedPayload)
	}
}

func (s *Service) reconcile(ctx context.Context, n domain.PaymentSucceeded, record domain.PaymentRecord, result domain.IngestResult) (domain.IngestResult, error) {
	confirmed, err := s.intents.ConfirmPayment(ctx, intentdomain.ConfirmPaymentRequest{
		ExternalRequestID: n.RequestID,
		TransactionID:     n.TransactionID,
		PaymentID:         record.ID,
		PaidAt:            n.PaidAt,
	})
	if err != nil {
		s.log.Error("payment reconciliation failed",
			zap.String("payment_id", record.ID),
			zap.Error(err),
		)
		return domain.IngestResult{}, fmt.Errorf("%w: %w", domain.ErrReconcileFailed, err)
	}

	if confirmed.Intent == nil {
		result.Outcome = domain.OutcomeUnmatched
		s.obsMetrics.RecordPaymentNotification(ctx, result.Outcome, "")
		return result, nil
	}
	result.IntentID = confirmed.Intent.ID.String()
	result.Transitioned = confirmed.Transitioned

	if !confirmed.Transitioned {
		result.Outcome = domain.OutcomeDuplicate
		s.log.Info("payment webhook duplicate",
			zap.String("payment_id", record.ID),
			zap.String("intent_id", result.IntentID),
			zap.String("status", string(confirmed.Intent.Status)),
		)
		s.obsMetrics.RecordPaymentNotification(ctx, result.Outcome, "")
		return result, nil
	}

	fulfillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fulfillmentTimeout)
	defer cancel()

	fulfilled, err := s.fulfillment.HandlePaid(fulfillCtx, *confirmed.Intent)
	switch {
	case err != nil:
		result.Outcome = domain.OutcomeFulfillmentPending
		s.log.Warn("fulfillment after payment failed; scheduler will retry",
			zap.String("intent_id", result.IntentID),
			zap.String("payment_id", record.ID),
			zap.Error(err),
		)
	case fulfilled.Deferred:
		result.Outcome = domain.OutcomeDeferred
	default:
		result.Outcome = domain.OutcomeFulfilled
	}

	s.obsMetrics.RecordPaymentNotification(ctx, result.Outcome, "")
	return result, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, domain.ErrReplaySuspected):
		return "replay_suspected"
	case errors.Is(err, domain.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "internal"
	}
}
