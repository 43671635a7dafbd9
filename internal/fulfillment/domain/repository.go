package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when a record for the same payment already exists.
	Insert(ctx context.Context, db *gorm.DB, item *MintedItem) (bool, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*MintedItem, error)
	FindByIntentID(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*MintedItem, error)
}
