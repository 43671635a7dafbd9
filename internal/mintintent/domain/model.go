package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusActivated      Status = "activated"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// MintIntent tracks one purchase from payment request to delivered item.
type MintIntent struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	ExternalRequestID   string          `gorm:"not null;uniqueIndex" json:"external_request_id"`
	ExternalRequestURL  string          `json:"external_request_url"`
	RequesterAccountID  string          `gorm:"not null" json:"requester_account_id"`
	RequesterHandle     string          `gorm:"not null" json:"requester_handle"`
	PoolRef             string          `gorm:"not null" json:"pool_ref"`
	Quantity            int             `gorm:"not null" json:"quantity"`
	AmountRequested     decimal.Decimal `gorm:"type:numeric(36,8);not null" json:"amount_requested"`
	Currency            string          `gorm:"not null" json:"currency"`
	Status              Status          `gorm:"not null" json:"status"`
	ActivationTime      *time.Time      `json:"activation_time,omitempty"`
	TransactionID       *string         `json:"transaction_id,omitempty"`
	PaymentID           *string         `json:"payment_id,omitempty"`
	PaidAt              *time.Time      `json:"paid_at,omitempty"`
	FulfillmentAttempts int             `gorm:"not null;default:0" json:"fulfillment_attempts"`
	NextAttemptAt       *time.Time      `json:"next_attempt_at,omitempty"`
	LastError           *string         `json:"last_error,omitempty"`
	Metadata            datatypes.JSON  `gorm:"type:jsonb" json:"metadata,omitempty"`
	ActivatedAt         *time.Time      `json:"activated_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	FailedAt            *time.Time      `json:"failed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (MintIntent) TableName() string { return "mint_intents" }

// IsDue reports whether fulfillment may run at now.
func (m MintIntent) IsDue(now time.Time) bool {
	return m.ActivationTime == nil || !m.ActivationTime.After(now)
}

// PaymentRef returns the payment id recorded at the paid transition.
func (m MintIntent) PaymentRef() string {
	if m.PaymentID == nil {
		return ""
	}
	return *m.PaymentID
}

var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusPaid},
	StatusPaid:           {StatusActivated, StatusFailed},
	StatusActivated:      {StatusCompleted},
}

// CanTransition reports whether from may move to to. Completed and failed are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusActivated, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
