package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/mintflow/internal/fulfillment/selector"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
)

// Result describes the state after a fulfillment call. Item is nil when the
// intent was deferred.
type Result struct {
	Intent   intentdomain.MintIntent
	Item     *MintedItem
	Deferred bool
}

type Service interface {
	// HandlePaid fulfills a freshly paid intent now, or defers it to the
	// scheduler when its activation time lies ahead.
	HandlePaid(ctx context.Context, intent intentdomain.MintIntent) (Result, error)
	Fulfill(ctx context.Context, intentID string) (Result, error)
	FindByIntentID(ctx context.Context, intentID string) (*MintedItem, error)
}

var (
	ErrFulfillmentInProgress = errors.New("fulfillment_in_progress")
	ErrNotDue                = errors.New("fulfillment_not_due")
	ErrRecipientUnresolved   = errors.New("recipient_unresolved")
	ErrEmptyPool             = selector.ErrEmptyPool
	ErrMintFailed            = errors.New("mint_failed")
)
