package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert writes record unless its id exists; the boolean reports a new row.
	Insert(ctx context.Context, db *gorm.DB, record *PaymentRecord) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*PaymentRecord, error)
	ListByExternalRequestID(ctx context.Context, db *gorm.DB, externalRequestID string) ([]PaymentRecord, error)
}
