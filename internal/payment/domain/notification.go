package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	NotificationTypeSucceeded = "payment.succeeded"
	NotificationTypeFailed    = "payment.failed"
)

// Notification is the decoded webhook body. Exactly one of PaymentSucceeded,
// PaymentFailed and UnknownShape.
type Notification interface {
	notification()
}

// PaymentFields are the attributes shared by every known notification shape.
type PaymentFields struct {
	RequestID     string
	TransactionID string
	Amount        decimal.NullDecimal
	Currency      string
	Payer         string
	PaidAt        time.Time
}

type PaymentSucceeded struct {
	PaymentFields
}

type PaymentFailed struct {
	PaymentFields
	Reason string
}

// UnknownShape is any body that is not a recognised notification. It is
// never processed.
type UnknownShape struct {
	Type string
}

func (PaymentSucceeded) notification() {}
func (PaymentFailed) notification()    {}
func (UnknownShape) notification()     {}

// Authenticated is a verified notification plus its ledger candidate.
type Authenticated struct {
	Notification Notification
	Record       PaymentRecord
}
