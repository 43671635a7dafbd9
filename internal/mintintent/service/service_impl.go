package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/events"
	"github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	"github.com/smallbiznis/mintflow/internal/payout"
	"github.com/smallbiznis/mintflow/internal/providers/gateway"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxRetryDelay = time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Catalog    catalog.Source
	Gateway    gateway.Gateway
	Clock      clock.Clock
	Cfg        config.Config
	Hub        *events.Hub         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	catalog     catalog.Source
	gateway     gateway.Gateway
	clock       clock.Clock
	webhookURL  string
	fulfillment config.FulfillmentConfig
	hub         *events.Hub
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("mintintent.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		catalog:     p.Catalog,
		gateway:     p.Gateway,
		clock:       clk,
		webhookURL:  strings.TrimSpace(p.Cfg.Webhook.CallbackURL),
		fulfillment: p.Cfg.Fulfillment,
		hub:         p.Hub,
		obsMetrics:  p.ObsMetrics,
	}
}

// Issue prices the request, registers the payout split with the gateway and
// stores a pending intent. Nothing is stored when the gateway call fails.
func (s *Service) Issue(ctx context.Context, req domain.IssueRequest) (domain.IssueResponse, error) {
	accountID := strings.TrimSpace(req.Requester.AccountID)
	handle := strings.TrimSpace(req.Requester.Handle)
	if accountID == "" || handle == "" {
		return domain.IssueResponse{}, domain.ErrInvalidRequester
	}
	if req.Quantity < 1 {
		return domain.IssueResponse{}, domain.ErrInvalidQuantity
	}

	cat := s.catalog.Current()
	pool, ok := cat.Pool(req.PoolRef)
	if !ok {
		return domain.IssueResponse{}, domain.ErrInvalidPool
	}

	now := s.clock.Now()
	activation := req.ActivationTime
	if activation != nil {
		if !activation.After(now) {
			activation = nil
		} else {
			at := activation.UTC()
			activation = &at
		}
	}

	amount := pool.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))
	allocations, err := payout.Split(amount, cat.DestinationsFor(pool), cat.FallbackDestination)
	if err != nil {
		return domain.IssueResponse{}, err
	}

	intentID := s.genID.Generate()
	metadata := map[string]any{
		"intentId":        intentID.String(),
		"poolRef":         pool.Ref,
		"quantity":        req.Quantity,
		"requesterHandle": handle,
		"activationTime":  nil,
	}
	if activation != nil {
		metadata["activationTime"] = activation.Format(time.RFC3339)
	}

	paymentRequest, err := s.gateway.CreatePaymentRequest(ctx, gateway.CreatePaymentRequestInput{
		Name:       fmt.Sprintf("%s x%d", poolName(pool), req.Quantity),
		Currency:   pool.Currency,
		Receivers:  gateway.ReceiversFrom(allocations),
		WebhookURL: s.webhookURL,
		Metadata:   metadata,
	})
	if err != nil {
		s.log.Warn("payment request creation failed",
			zap.String("pool_ref", pool.Ref),
			zap.String("intent_id", intentID.String()),
			zap.Error(err),
		)
		return domain.IssueResponse{}, fmt.Errorf("%w: %v", domain.ErrDownstreamUnavailable, err)
	}

	metadata["receivers"] = allocations
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return domain.IssueResponse{}, err
	}

	intent := domain.MintIntent{
		ID:                 intentID,
		ExternalRequestID:  paymentRequest.ID,
		ExternalRequestURL: paymentRequest.URL,
		RequesterAccountID: accountID,
		RequesterHandle:    handle,
		PoolRef:            pool.Ref,
		Quantity:           req.Quantity,
		AmountRequested:    amount,
		Currency:           pool.Currency,
		Status:             domain.StatusPendingPayment,
		ActivationTime:     activation,
		Metadata:           datatypes.JSON(rawMetadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Insert(ctx, s.db, &intent); err != nil {
		// the gateway request now has no intent; its webhook is ledgered unmatched
		s.log.Error("intent insert failed after payment request creation",
			zap.String("intent_id", intentID.String()),
			zap.String("external_request_id", paymentRequest.ID),
			zap.Error(err),
		)
		return domain.IssueResponse{}, err
	}

	s.obsMetrics.RecordIntentIssued(ctx, pool.Ref)
	s.publish(intent, "", domain.StatusPendingPayment, now)
	s.log.Info("intent issued",
		zap.String("intent_id", intentID.String()),
		zap.String("external_request_id", paymentRequest.ID),
		zap.String("pool_ref", pool.Ref),
		zap.Int("quantity", req.Quantity),
		zap.String("amount", amount.String()),
	)

	return domain.IssueResponse{
		IntentID:           intentID.String(),
		ExternalRequestID:  paymentRequest.ID,
		ExternalRequestURL: paymentRequest.URL,
		Amount:             amount,
		Currency:           pool.Currency,
	}, nil
}

// ConfirmPayment moves the matching intent from pending_payment to paid. It is
// safe to call for every delivery of the same payment: only the first caller
// observes Transitioned.
func (s *Service) ConfirmPayment(ctx context.Context, req domain.ConfirmPaymentRequest) (domain.ConfirmPaymentResult, error) {
	requestID := strings.TrimSpace(req.ExternalRequestID)
	if requestID == "" || strings.TrimSpace(req.TransactionID) == "" || strings.TrimSpace(req.PaymentID) == "" {
		return domain.ConfirmPaymentResult{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}

	transitioned, err := s.repo.MarkPaid(ctx, s.db, domain.MarkPaidParams{
		ExternalRequestID:   requestID,
		TransactionID:       strings.TrimSpace(req.TransactionID),
		PaymentID:           strings.TrimSpace(req.PaymentID),
		PaidAt:              paidAt.UTC(),
		Now:                 now,
		FallbackNextAttempt: now.Add(s.fulfillment.RetryGrace),
	})
	if err != nil {
		return domain.ConfirmPaymentResult{}, err
	}

	intent, err := s.repo.FindByExternalRequestID(ctx, s.db, requestID)
	if err != nil {
		return domain.ConfirmPaymentResult{}, err
	}
	if intent == nil {
		s.log.Warn("payment for unknown intent", zap.String("external_request_id", requestID))
		return domain.ConfirmPaymentResult{}, nil
	}

	if transitioned {
		s.publish(*intent, domain.StatusPendingPayment, domain.StatusPaid, now)
		s.log.Info("intent paid",
			zap.String("intent_id", intent.ID.String()),
			zap.String("payment_id", req.PaymentID),
		)
	} else {
		s.log.Debug("payment confirmation skipped",
			zap.String("intent_id", intent.ID.String()),
			zap.String("status", string(intent.Status)),
		)
	}

	return domain.ConfirmPaymentResult{Intent: intent, Transitioned: transitioned}, nil
}

func (s *Service) MarkActivated(ctx context.Context, id string) (domain.MintIntent, error) {
	return s.transition(ctx, id, domain.StatusPaid, domain.StatusActivated)
}

// Acknowledge records that the client observed the delivered item.
func (s *Service) Acknowledge(ctx context.Context, id string) (domain.MintIntent, error) {
	return s.transition(ctx, id, domain.StatusActivated, domain.StatusCompleted)
}

// Abandon fails a paid intent. reason is kept in last_error; repeating the
// call on a failed intent leaves the first reason in place.
func (s *Service) Abandon(ctx context.Context, id string, reason string) (domain.MintIntent, error) {
	reason = strings.TrimSpace(reason)
	intent, err := s.applyTransition(ctx, id, domain.StatusPaid, domain.StatusFailed, func(intentID snowflake.ID, now time.Time) (bool, error) {
		return s.repo.Fail(ctx, s.db, intentID, reason, now)
	})
	if err != nil {
		return domain.MintIntent{}, err
	}
	s.log.Warn("intent abandoned",
		zap.String("intent_id", intent.ID.String()),
		zap.String("reason", reason),
		zap.Int("fulfillment_attempts", intent.FulfillmentAttempts),
	)
	return intent, nil
}

// transition applies from -> to. Repeating a transition that already happened
// returns the current intent without error.
func (s *Service) transition(ctx context.Context, id string, from, to domain.Status) (domain.MintIntent, error) {
	return s.applyTransition(ctx, id, from, to, func(intentID snowflake.ID, now time.Time) (bool, error) {
		return s.repo.Transition(ctx, s.db, intentID, from, to, now)
	})
}

func (s *Service) applyTransition(ctx context.Context, id string, from, to domain.Status, apply func(snowflake.ID, time.Time) (bool, error)) (domain.MintIntent, error) {
	intentID, err := s.parseID(id)
	if err != nil {
		return domain.MintIntent{}, err
	}

	now := s.clock.Now()
	ok, err := apply(intentID, now)
	if err != nil {
		return domain.MintIntent{}, err
	}

	intent, err := s.repo.FindByID(ctx, s.db, intentID)
	if err != nil {
		return domain.MintIntent{}, err
	}
	if intent == nil {
		return domain.MintIntent{}, domain.ErrNotFound
	}

	if !ok {
		if intent.Status == to || (to == domain.StatusActivated && intent.Status == domain.StatusCompleted) {
			return *intent, nil
		}
		return domain.MintIntent{}, fmt.Errorf("%w: %s -> %s from %s", domain.ErrInvalidTransition, from, to, intent.Status)
	}

	s.publish(*intent, from, to, now)
	return *intent, nil
}

// RecordFailure keeps the intent paid and schedules the next attempt with
// exponential backoff.
func (s *Service) RecordFailure(ctx context.Context, id string, cause error) (domain.MintIntent, error) {
	intentID, err := s.parseID(id)
	if err != nil {
		return domain.MintIntent{}, err
	}
	intent, err := s.repo.FindByID(ctx, s.db, intentID)
	if err != nil {
		return domain.MintIntent{}, err
	}
	if intent == nil {
		return domain.MintIntent{}, domain.ErrNotFound
	}
	if intent.Status != domain.StatusPaid {
		return domain.MintIntent{}, fmt.Errorf("%w: record failure on %s", domain.ErrInvalidTransition, intent.Status)
	}

	now := s.clock.Now()
	attempt := intent.FulfillmentAttempts + 1
	next := now.Add(RetryDelay(s.fulfillment.RetryBaseDelay, attempt))
	lastError := "unknown"
	if cause != nil {
		lastError = truncate(cause.Error(), 512)
	}

	ok, err := s.repo.RecordFailure(ctx, s.db, domain.RecordFailureParams{
		ID:            intentID,
		LastError:     lastError,
		NextAttemptAt: next,
		Now:           now,
	})
	if err != nil {
		return domain.MintIntent{}, err
	}
	if !ok {
		return domain.MintIntent{}, fmt.Errorf("%w: intent left paid concurrently", domain.ErrInvalidTransition)
	}

	s.log.Warn("fulfillment attempt failed",
		zap.String("intent_id", intentID.String()),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", next),
		zap.String("last_error", lastError),
	)

	intent.FulfillmentAttempts = attempt
	intent.LastError = &lastError
	intent.NextAttemptAt = &next
	intent.UpdatedAt = now
	return *intent, nil
}

// RetryDelay doubles base for each attempt after the first, capped at one hour.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (s *Service) Get(ctx context.Context, id string) (domain.MintIntent, error) {
	intentID, err := s.parseID(id)
	if err != nil {
		return domain.MintIntent{}, err
	}
	intent, err := s.repo.FindByID(ctx, s.db, intentID)
	if err != nil {
		return domain.MintIntent{}, err
	}
	if intent == nil {
		return domain.MintIntent{}, domain.ErrNotFound
	}
	return *intent, nil
}

func (s *Service) GetByExternalRequestID(ctx context.Context, externalRequestID string) (domain.MintIntent, error) {
	externalRequestID = strings.TrimSpace(externalRequestID)
	if externalRequestID == "" {
		return domain.MintIntent{}, domain.ErrNotFound
	}
	intent, err := s.repo.FindByExternalRequestID(ctx, s.db, externalRequestID)
	if err != nil {
		return domain.MintIntent{}, err
	}
	if intent == nil {
		return domain.MintIntent{}, domain.ErrNotFound
	}
	return *intent, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	filter := domain.ListFilter{PoolRef: strings.TrimSpace(req.PoolRef)}
	if status := strings.TrimSpace(req.Status); status != "" {
		filter.Status = domain.Status(status)
		if !filter.Status.Valid() {
			return domain.ListResponse{}, domain.ErrInvalidStatus
		}
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	items, err := s.repo.List(ctx, s.db, filter, page)
	if err != nil {
		return domain.ListResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.Limit(), func(intent *domain.MintIntent) pagination.Cursor {
		return pagination.Cursor{ID: intent.ID.String(), CreatedAt: intent.CreatedAt.Format(time.RFC3339)}
	})

	intents := make([]domain.MintIntent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		intents = append(intents, *item)
	}
	return domain.ListResponse{PageInfo: pageInfo, Intents: intents}, nil
}

func (s *Service) publish(intent domain.MintIntent, from, to domain.Status, at time.Time) {
	s.obsMetrics.RecordIntentTransition(context.Background(), string(from), string(to))
	s.hub.Publish(events.IntentTransitioned{
		IntentID:          intent.ID.String(),
		ExternalRequestID: intent.ExternalRequestID,
		PoolRef:           intent.PoolRef,
		From:              string(from),
		To:                string(to),
		OccurredAt:        at,
	})
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func poolName(pool catalog.Pool) string {
	if name := strings.TrimSpace(pool.Name); name != "" {
		return name
	}
	return pool.Ref
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
