package store

import (
	"context"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Store) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}
	e.AmountPaid = decimal.Zero
	e.Version = 0
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *Store) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	return findEnrollment(s.db.WithContext(ctx), id)
}

func (s *Store) ListEnrollments(ctx context.Context, familyID, schoolID string) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if familyID != "" {
		q = q.Where("family_id = ?", familyID)
	}
	if schoolID != "" {
		q = q.Where("school_id = ?", schoolID)
	}
	err := q.Find(&enrollments).Error
	return enrollments, err
}

func (s *Store) LedgerEntries(ctx context.Context, enrollmentID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id asc").
		Find(&entries).Error
	return entries, err
}
