package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeAdmin   ActorType = "admin"
	ActorTypeAccount ActorType = "account"
	ActorTypeGateway ActorType = "gateway"
)

const (
	ActionIntentFulfill    = "mint_intent.fulfill"
	ActionIntentAbandon    = "mint_intent.abandon"
	ActionIntentTransition = "mint_intent.transition"
	ActionWebhookRejected  = "payment_webhook.rejected"
)

// AuditLog is an append-only record of an operator or gateway action.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `gorm:"not null" json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `gorm:"not null" json:"action"`
	TargetType string            `gorm:"not null" json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata"`
	IPAddress  *string           `json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry describes one action to record. Empty actor fields fall back to the
// actor carried on the context.
type Entry struct {
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	BeforeID   *snowflake.ID
	Limit      int
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = pagination.ErrInvalidPageToken
)
