package domain

import (
	"context"
	"errors"
	"time"

	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
)

// StatusView is what a client polls while waiting for its item.
type StatusView struct {
	IntentID           string     `json:"intentId"`
	ExternalRequestID  string     `json:"externalRequestId"`
	ExternalRequestURL string     `json:"externalRequestUrl"`
	PoolRef            string     `json:"poolRef"`
	Quantity           int        `json:"quantity"`
	Status             string     `json:"status"`
	PaidAt             *time.Time `json:"paidAt,omitempty"`
	ActivationTime     *time.Time `json:"activationTime,omitempty"`
	Item               *ItemView  `json:"item,omitempty"`
}

type ItemView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Rarity      string `json:"rarity,omitempty"`
	Image       string `json:"image,omitempty"`
	Animation   string `json:"animation,omitempty"`
	TemplateRef string `json:"templateRef"`
}

// PoolProgress counts delivered units against the optional pool supply.
// Supply and Remaining are nil for unbounded pools.
type PoolProgress struct {
	PoolRef   string `json:"poolRef"`
	Minted    int64  `json:"minted"`
	Supply    *int64 `json:"supply,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
}

type Service interface {
	GetByIntentID(ctx context.Context, intentID string) (StatusView, error)
	GetByExternalRequestID(ctx context.Context, externalRequestID string) (StatusView, error)
	PoolProgress(ctx context.Context, poolRef string) (PoolProgress, error)
}

var (
	ErrNotFound    = intentdomain.ErrNotFound
	ErrUnknownPool = errors.New("unknown_pool")
)
