package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"gorm.io/gorm"
)

// MarkPaidParams carries the conditional pending_payment -> paid update.
type MarkPaidParams struct {
	ExternalRequestID string
	TransactionID     string
	PaymentID         string
	PaidAt            time.Time
	Now               time.Time
	// FallbackNextAttempt is used when the intent has no future activation time.
	FallbackNextAttempt time.Time
}

type RecordFailureParams struct {
	ID            snowflake.ID
	LastError     string
	NextAttemptAt time.Time
	Now           time.Time
}

type ListFilter struct {
	Status  Status
	PoolRef string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, intent *MintIntent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*MintIntent, error)
	FindByExternalRequestID(ctx context.Context, db *gorm.DB, externalRequestID string) (*MintIntent, error)
	MarkPaid(ctx context.Context, db *gorm.DB, params MarkPaidParams) (bool, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (bool, error)
	// Fail moves a paid intent to failed and stores reason as its last error.
	Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, db *gorm.DB, params RecordFailureParams) (bool, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]MintIntent, error)
	ListExhausted(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]MintIntent, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*MintIntent, error)
	SumQuantity(ctx context.Context, db *gorm.DB, poolRef string, statuses ...Status) (int64, error)
}
