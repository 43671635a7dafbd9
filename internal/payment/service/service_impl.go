package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/mintflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Ledger {
	return NewService(p)
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("payment.ledger"),
		repo: p.Repo,
	}
}

// Record stores record once. A repeated id returns the stored row untouched
// with inserted=false.
func (s *Service) Record(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, bool, error) {
	if err := validateRecord(&record); err != nil {
		return domain.PaymentRecord{}, false, err
	}

	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return domain.PaymentRecord{}, false, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	if inserted {
		s.log.Info("payment recorded",
			zap.String("payment_id", record.ID),
			zap.String("external_request_id", record.ExternalRequestID),
			zap.String("status", string(record.Status)),
		)
		return record, true, nil
	}

	existing, err := s.repo.FindByID(ctx, s.db, record.ID)
	if err != nil {
		return domain.PaymentRecord{}, false, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	if existing == nil {
		return domain.PaymentRecord{}, false, fmt.Errorf("%w: record %s vanished after conflict", domain.ErrLedgerUnavailable, record.ID)
	}
	s.log.Debug("duplicate payment notification", zap.String("payment_id", record.ID))
	return *existing, false, nil
}

func (s *Service) ListByExternalRequestID(ctx context.Context, externalRequestID string) ([]domain.PaymentRecord, error) {
	return s.repo.ListByExternalRequestID(ctx, s.db, strings.TrimSpace(externalRequestID))
}

func validateRecord(record *domain.PaymentRecord) error {
	record.ExternalRequestID = strings.TrimSpace(record.ExternalRequestID)
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	if record.ExternalRequestID == "" || record.TransactionID == "" {
		return domain.ErrInvalidRecord
	}
	if want := domain.PaymentID(record.ExternalRequestID, record.TransactionID); record.ID != want {
		return fmt.Errorf("%w: id %q does not match %q", domain.ErrInvalidRecord, record.ID, want)
	}
	switch record.Status {
	case domain.RecordStatusSucceeded, domain.RecordStatusFailed:
	default:
		return domain.ErrInvalidRecord
	}
	if record.PaidAt.IsZero() || record.ReceivedAt.IsZero() {
		return domain.ErrInvalidRecord
	}
	if !json.Valid(record.Payload) {
		return fmt.Errorf("%w: payload is not JSON", domain.ErrInvalidRecord)
	}
	record.PaidAt = record.PaidAt.UTC()
	record.ReceivedAt = record.ReceivedAt.UTC()
	return nil
}
