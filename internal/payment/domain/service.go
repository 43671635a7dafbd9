package domain

import (
	"context"
	"errors"
	"net/http"
)

// Ledger is the idempotent store of payment notifications.
type Ledger interface {
	Record(ctx context.Context, record PaymentRecord) (PaymentRecord, bool, error)
	ListByExternalRequestID(ctx context.Context, externalRequestID string) ([]PaymentRecord, error)
}

const (
	OutcomeFulfilled          = "fulfilled"
	OutcomeDeferred           = "deferred"
	OutcomeFulfillmentPending = "fulfillment_pending"
	OutcomeDuplicate          = "duplicate"
	OutcomeUnmatched          = "unmatched"
	OutcomePaymentFailed      = "payment_failed"
)

// IngestResult describes what one webhook delivery did.
type IngestResult struct {
	PaymentID    string `json:"paymentId"`
	IntentID     string `json:"intentId,omitempty"`
	Outcome      string `json:"outcome"`
	Recorded     bool   `json:"recorded"`
	Transitioned bool   `json:"transitioned"`
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, headers http.Header, body []byte) (IngestResult, error)
}

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrReplaySuspected   = errors.New("replay_suspected")
	ErrMalformedPayload  = errors.New("malformed_payload")
	ErrLedgerUnavailable = errors.New("ledger_unavailable")
	ErrReconcileFailed   = errors.New("reconcile_failed")
	ErrInvalidRecord     = errors.New("invalid_payment_record")
)
