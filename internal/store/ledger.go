package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx implements attribution.Tx on top of one gorm transaction.
type Tx struct {
	db *gorm.DB
}

func (t *Tx) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return getPayment(t.db.WithContext(ctx), id)
}

func (t *Tx) FindActiveEnrollments(ctx context.Context, familyID, schoolID string) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := t.db.WithContext(ctx).
		Where("family_id = ? AND school_id = ? AND status = ?", familyID, schoolID, models.EnrollmentActive).
		Order("created_at asc, id asc").
		Find(&enrollments).Error
	return enrollments, err
}

func (t *Tx) FindEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	return findEnrollment(t.db.WithContext(ctx), id)
}

func (t *Tx) RecordPayment(ctx context.Context, key attribution.LedgerKey, amount decimal.Decimal, date time.Time) error {
	return t.post(ctx, key, amount, models.LedgerPaymentReceived, date)
}

func (t *Tx) ReversePayment(ctx context.Context, paymentID string, revision int, date time.Time) error {
	var entries []models.LedgerEntry
	err := t.db.WithContext(ctx).
		Where("payment_id = ? AND revision = ? AND event_type = ?", paymentID, revision, models.LedgerPaymentReceived).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return err
	}
	for _, e := range entries {
		key := attribution.LedgerKey{
			PaymentID:    paymentID,
			Revision:     revision,
			EnrollmentID: e.EnrollmentID,
			Period:       models.BillingPeriod{Month: time.Month(e.PeriodMonth), Year: e.PeriodYear},
		}
		if err := t.post(ctx, key, e.Change.Neg(), models.LedgerPaymentReversed, date); err != nil {
			return err
		}
	}
	return nil
}

// post appends one ledger entry and moves the enrollment balance. A key that
// was already posted is a no-op; a concurrent change to the enrollment fails
// with ErrLostUpdate.
func (t *Tx) post(ctx context.Context, key attribution.LedgerKey, change decimal.Decimal, event models.LedgerEvent, date time.Time) error {
	db := t.db.WithContext(ctx)
	en, err := findEnrollment(db, key.EnrollmentID)
	if err != nil {
		return err
	}
	balance := en.AmountPaid.Add(change)

	entry := models.LedgerEntry{
		EnrollmentID:   en.ID,
		PaymentID:      key.PaymentID,
		Revision:       key.Revision,
		PeriodMonth:    int(key.Period.Month),
		PeriodYear:     key.Period.Year,
		Change:         change,
		BalanceAfter:   balance,
		EventType:      event,
		IdempotencyKey: key.IdempotencyKey(event),
		OccurredAt:     date,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	updates := map[string]interface{}{
		"amount_paid": balance,
		"version":     en.Version + 1,
	}
	if event == models.LedgerPaymentReceived {
		updates["last_payment_at"] = date
	}
	res = db.Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", en.ID, en.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: enrollment %s", attribution.ErrLostUpdate, en.ID)
	}
	return nil
}

func (t *Tx) SavePayment(ctx context.Context, p *models.Payment) error {
	db := t.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Save(p).Error; err != nil {
		return err
	}
	if err := db.Where("payment_id = ?", p.ID).Delete(&models.Allocation{}).Error; err != nil {
		return err
	}
	if len(p.Allocations) == 0 {
		return nil
	}
	for i := range p.Allocations {
		p.Allocations[i].ID = 0
		p.Allocations[i].PaymentID = p.ID
	}
	return db.Create(&p.Allocations).Error
}

func (t *Tx) AppendAudit(ctx context.Context, a *models.AttributionAudit) error {
	return t.db.WithContext(ctx).Create(a).Error
}

func findEnrollment(db *gorm.DB, id string) (*models.Enrollment, error) {
	var en models.Enrollment
	if err := db.First(&en, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", attribution.ErrEnrollmentNotFound, id)
		}
		return nil, err
	}
	return &en, nil
}
