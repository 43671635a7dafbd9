package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	"gorm.io/gorm"
)

const itemColumns = `id, payment_id, intent_id, pool_ref, origin, template_ref, item_name,
	rarity, image_url, animation_url, recipient_account_id, recipient_handle, metadata, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *domain.MintedItem) (bool, error) {
	metadata := item.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO minted_items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		item.ID,
		item.PaymentID,
		item.IntentID,
		item.PoolRef,
		item.Origin,
		item.TemplateRef,
		item.ItemName,
		item.Rarity,
		item.ImageURL,
		item.AnimationURL,
		item.RecipientAccountID,
		item.RecipientHandle,
		metadata,
		item.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.MintedItem, error) {
	return r.findOne(ctx, db, `payment_id = ?`, paymentID)
}

func (r *repo) FindByIntentID(ctx context.Context, db *gorm.DB, intentID snowflake.ID) (*domain.MintedItem, error) {
	return r.findOne(ctx, db, `intent_id = ?`, intentID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.MintedItem, error) {
	var item domain.MintedItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+`
		 FROM minted_items
		 WHERE `+where+`
		 ORDER BY created_at ASC
		 LIMIT 1`,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}
