package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
)

// Requester is the authenticated caller that pays for an intent.
type Requester struct {
	AccountID string
	Handle    string
}

type IssueRequest struct {
	Requester      Requester
	PoolRef        string
	Quantity       int
	ActivationTime *time.Time
}

type IssueResponse struct {
	IntentID           string          `json:"intentId"`
	ExternalRequestID  string          `json:"externalRequestId"`
	ExternalRequestURL string          `json:"externalRequestUrl"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
}

// ConfirmPaymentRequest is a ledgered, succeeded payment notification.
type ConfirmPaymentRequest struct {
	ExternalRequestID string
	TransactionID     string
	PaymentID         string
	PaidAt            time.Time
}

// ConfirmPaymentResult reports whether this call moved the intent to paid.
// Intent is nil when no intent matches the request id.
type ConfirmPaymentResult struct {
	Intent       *MintIntent
	Transitioned bool
}

type ListRequest struct {
	Status    string
	PoolRef   string
	PageToken string
	PageSize  int
}

type ListResponse struct {
	pagination.PageInfo
	Intents []MintIntent `json:"intents"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (IssueResponse, error)
	ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (ConfirmPaymentResult, error)
	MarkActivated(ctx context.Context, id string) (MintIntent, error)
	Acknowledge(ctx context.Context, id string) (MintIntent, error)
	Abandon(ctx context.Context, id string, reason string) (MintIntent, error)
	RecordFailure(ctx context.Context, id string, cause error) (MintIntent, error)
	Get(ctx context.Context, id string) (MintIntent, error)
	GetByExternalRequestID(ctx context.Context, externalRequestID string) (MintIntent, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidID             = errors.New("invalid_id")
	ErrInvalidPool           = errors.New("invalid_pool")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidRequester      = errors.New("invalid_requester")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrNotFound              = errors.New("not_found")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrDownstreamUnavailable = errors.New("downstream_unavailable")
)
