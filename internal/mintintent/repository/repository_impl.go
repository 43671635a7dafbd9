package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/internal/mintintent/domain"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const intentColumns = `id, external_request_id, external_request_url, requester_account_id,
	requester_handle, pool_ref, quantity, amount_requested, currency, status,
	activation_time, transaction_id, payment_id, paid_at, fulfillment_attempts,
	next_attempt_at, last_error, metadata, activated_at, completed_at, failed_at,
	created_at, updated_at`

// timestamp column stamped when an intent enters a status
var transitionColumns = map[domain.Status]string{
	domain.StatusActivated: "activated_at",
	domain.StatusCompleted: "completed_at",
	domain.StatusFailed:    "failed_at",
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, intent *domain.MintIntent) error {
	metadata := intent.Metadata
	if len(metadata) == 0 {
		metadata = datatypes.JSON("{}")
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO mint_intents (
			id, external_request_id, external_request_url, requester_account_id,
			requester_handle, pool_ref, quantity, amount_requested, currency, status,
			activation_time, fulfillment_attempts, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		intent.ExternalRequestID,
		intent.ExternalRequestURL,
		intent.RequesterAccountID,
		intent.RequesterHandle,
		intent.PoolRef,
		intent.Quantity,
		intent.AmountRequested,
		intent.Currency,
		intent.Status,
		intent.ActivationTime,
		intent.FulfillmentAttempts,
		metadata,
		intent.CreatedAt,
		intent.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.MintIntent, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByExternalRequestID(ctx context.Context, db *gorm.DB, externalRequestID string) (*domain.MintIntent, error) {
	return r.findOne(ctx, db, `external_request_id = ?`, externalRequestID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.MintIntent, error) {
	var intent domain.MintIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM mint_intents
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&intent).Error
	if err != nil {
		return nil, err
	}
	if intent.ID == 0 {
		return nil, nil
	}
	return &intent, nil
}

// MarkPaid moves a pending intent to paid in one conditional statement. The
// boolean is true only for the caller whose update matched the row.
func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, params domain.MarkPaidParams) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE mint_intents
		 SET status = ?,
			transaction_id = ?,
			payment_id = ?,
			paid_at = ?,
			next_attempt_at = CASE
				WHEN activation_time IS NOT NULL AND activation_time > ? THEN activation_time
				ELSE ?
			END,
			updated_at = ?
		 WHERE external_request_id = ? AND status = ?`,
		domain.StatusPaid,
		params.TransactionID,
		params.PaymentID,
		params.PaidAt,
		params.Now,
		params.FallbackNextAttempt,
		params.Now,
		params.ExternalRequestID,
		domain.StatusPendingPayment,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidTransition
	}
	column, ok := transitionColumns[to]
	if !ok {
		return false, domain.ErrInvalidTransition
	}

	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(
			`UPDATE mint_intents
			 SET status = ?, %s = ?, next_attempt_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			column,
		),
		to,
		at,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE mint_intents
		 SET status = ?, failed_at = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFailed,
		at,
		reason,
		at,
		id,
		domain.StatusPaid,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, params domain.RecordFailureParams) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE mint_intents
		 SET fulfillment_attempts = fulfillment_attempts + 1,
			last_error = ?,
			next_attempt_at = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		params.LastError,
		params.NextAttemptAt,
		params.Now,
		params.ID,
		domain.StatusPaid,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]domain.MintIntent, error) {
	var intents []domain.MintIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM mint_intents
		 WHERE status = ?
			AND next_attempt_at IS NOT NULL
			AND next_attempt_at <= ?
			AND fulfillment_attempts < ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPaid,
		now,
		maxAttempts,
		limit,
	).Scan(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *repo) ListExhausted(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]domain.MintIntent, error) {
	var intents []domain.MintIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM mint_intents
		 WHERE status = ? AND fulfillment_attempts >= ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.StatusPaid,
		maxAttempts,
		limit,
	).Scan(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

// List pages intents newest first, using the snowflake id as cursor.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]*domain.MintIntent, error) {
	cursor, err := page.Cursor()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + intentColumns + ` FROM mint_intents WHERE 1 = 1`
	args := make([]any, 0, 4)
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.PoolRef != "" {
		query += ` AND pool_ref = ?`
		args = append(args, filter.PoolRef)
	}
	if cursor != nil {
		before, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, page.Limit()+1)

	var intents []*domain.MintIntent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *repo) SumQuantity(ctx context.Context, db *gorm.DB, poolRef string, statuses ...domain.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM mint_intents
		 WHERE pool_ref = ? AND status IN ?`,
		poolRef,
		values,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
