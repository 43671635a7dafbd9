package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MintedItem is the durable record of the item minted for one payment.
type MintedItem struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	PaymentID          string         `gorm:"not null;uniqueIndex" json:"payment_id"`
	IntentID           snowflake.ID   `gorm:"not null" json:"intent_id"`
	PoolRef            string         `gorm:"not null" json:"pool_ref"`
	Origin             string         `json:"origin"`
	TemplateRef        string         `gorm:"not null" json:"template_ref"`
	ItemName           string         `json:"item_name"`
	Rarity             string         `json:"rarity"`
	ImageURL           string         `json:"image_url"`
	AnimationURL       string         `json:"animation_url"`
	RecipientAccountID string         `gorm:"not null" json:"recipient_account_id"`
	RecipientHandle    string         `gorm:"not null" json:"recipient_handle"`
	Metadata           datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (MintedItem) TableName() string { return "minted_items" }
