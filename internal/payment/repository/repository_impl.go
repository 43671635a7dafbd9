package repository

import (
	"context"

	"github.com/smallbiznis/mintflow/internal/payment/domain"
	"gorm.io/gorm"
)

const recordColumns = `id, external_request_id, transaction_id, amount, currency, payer,
	status, paid_at, payload, received_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		record.ExternalRequestID,
		record.TransactionID,
		record.Amount,
		record.Currency,
		record.Payer,
		record.Status,
		record.PaidAt,
		record.Payload,
		record.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_records
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListByExternalRequestID(ctx context.Context, db *gorm.DB, externalRequestID string) ([]domain.PaymentRecord, error) {
	var records []domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_records
		 WHERE external_request_id = ?
		 ORDER BY received_at ASC, id ASC`,
		externalRequestID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
