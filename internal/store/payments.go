package store

import (
	"context"
	"errors"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentFilter struct {
	FamilyID          string
	AttributionStatus string
	Page              int
	PageSize          int
}

func (f *PaymentFilter) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 20
	}
}

// CreatePayment stores a newly ingested payment in pending state. A payment
// whose external transaction id is already known is returned as is with
// created=false.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) (*models.Payment, bool, error) {
	db := s.db.WithContext(ctx)
	if p.ExternalTransactionID != nil {
		if existing, err := s.findByExternalID(db, *p.ExternalTransactionID); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Status = models.PaymentPending
	if p.ReceivedDate.IsZero() {
		p.ReceivedDate = p.PaymentDate
	}
	if p.NetAmount.IsZero() {
		p.NetAmount = p.GrossAmount.Sub(p.ProcessorFee)
	}
	p.Allocations = nil

	if err := db.Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && p.ExternalTransactionID != nil {
			existing, ferr := s.findByExternalID(db, *p.ExternalTransactionID)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return p, true, nil
}

func (s *Store) findByExternalID(db *gorm.DB, externalID string) (*models.Payment, error) {
	var p models.Payment
	err := db.Preload("Allocations", func(db *gorm.DB) *gorm.DB {
		return db.Order("position asc")
	}).Where("external_transaction_id = ?", externalID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPayments(ctx context.Context, f PaymentFilter) ([]models.Payment, int64, error) {
	f.normalize()
	q := s.db.WithContext(ctx).Model(&models.Payment{})
	if f.FamilyID != "" {
		q = q.Where("family_id = ?", f.FamilyID)
	}
	if f.AttributionStatus != "" {
		q = q.Where("attribution_status = ?", f.AttributionStatus)
	}
	return page(q, f)
}

// ReviewQueue lists every payment that is neither auto- nor manual-matched.
func (s *Store) ReviewQueue(ctx context.Context, f PaymentFilter) ([]models.Payment, int64, error) {
	f.normalize()
	q := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("attribution_status NOT IN ?", []models.AttributionStatus{
			models.AttributionAutoMatched,
			models.AttributionManualMatched,
		})
	if f.FamilyID != "" {
		q = q.Where("family_id = ?", f.FamilyID)
	}
	return page(q, f)
}

// SweepCandidates returns pending payments that were never attributed or ended
// unmatched. A payment that was already processed comes back only when its run
// failed before retryFailedBefore, or when an enrollment of its family changed
// after that run.
func (s *Store) SweepCandidates(ctx context.Context, limit int, retryFailedBefore time.Time) ([]models.Payment, error) {
	retry := s.db.Where("payments.processed_at IS NULL").
		Or("payments.failure_reason IS NOT NULL AND payments.processed_at < ?", retryFailedBefore).
		Or(`EXISTS (SELECT 1 FROM enrollments e WHERE e.family_id = payments.family_id
			AND e.school_id = payments.school_id AND e.updated_at > payments.processed_at)`)

	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("payments.status = ? AND payments.attribution_status IN ?", models.PaymentPending,
			[]models.AttributionStatus{"", models.AttributionUnmatched}).
		Where(retry).
		Order("payments.processed_at IS NOT NULL, payments.created_at asc").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (s *Store) Audits(ctx context.Context, paymentID string) ([]models.AttributionAudit, error) {
	var audits []models.AttributionAudit
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id asc").
		Find(&audits).Error
	return audits, err
}

func page(q *gorm.DB, f PaymentFilter) ([]models.Payment, int64, error) {
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var payments []models.Payment
	err := q.Session(&gorm.Session{}).Preload("Allocations", func(db *gorm.DB) *gorm.DB {
		return db.Order("position asc")
	}).Order("created_at desc").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&payments).Error
	return payments, total, err
}
