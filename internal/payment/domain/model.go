package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RecordStatus string

const (
	RecordStatusSucceeded RecordStatus = "succeeded"
	RecordStatusFailed    RecordStatus = "failed"
)

// PaymentRecord is the write-once ledger row for one gateway notification.
// ID is requestId + "-" + transactionId.
type PaymentRecord struct {
	ID                string              `gorm:"primaryKey" json:"id"`
	ExternalRequestID string              `gorm:"not null;index" json:"external_request_id"`
	TransactionID     string              `gorm:"not null" json:"transaction_id"`
	Amount            decimal.NullDecimal `gorm:"type:numeric(36,8)" json:"amount"`
	Currency          string              `json:"currency,omitempty"`
	Payer             string              `json:"payer,omitempty"`
	Status            RecordStatus        `gorm:"not null" json:"status"`
	PaidAt            time.Time           `gorm:"not null" json:"paid_at"`
	Payload           datatypes.JSON      `gorm:"type:jsonb;not null" json:"payload"`
	ReceivedAt        time.Time           `gorm:"not null" json:"received_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// PaymentID derives the ledger key of a notification.
func PaymentID(requestID, transactionID string) string {
	return requestID + "-" + transactionID
}
