package attribution

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
)

// ManuallyAllocate replaces p's allocations with a reviewer's submission and
// writes every line to the ledger. A submission identical to the one already
// applied leaves the ledger alone; any other submission first reverses the
// previous ledger revision. Invalid submissions are rejected before any write
// and leave p unchanged.
func (e *Engine) ManuallyAllocate(ctx context.Context, p *models.Payment, lines []ManualAllocation, reviewerID string) (*models.Payment, error) {
	if err := checkPayment(p); err != nil {
		return nil, err
	}
	if err := validateManual(p, lines, reviewerID); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(p.FamilyID)
	defer unlock()

	var result *models.Payment
	replayed := false

	err := e.store.Transaction(ctx, func(tx Tx) error {
		current, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status == models.PaymentRefunded {
			return ErrPaymentRefunded
		}
		before := snapshot(current)

		allocs := make([]models.Allocation, 0, len(lines))
		for i, l := range lines {
			en, err := tx.FindEnrollment(ctx, l.EnrollmentID)
			if errors.Is(err, ErrEnrollmentNotFound) {
				return fmt.Errorf("%w: line %d: %w", ErrInvalidAllocation, i, err)
			}
			if err != nil {
				return fmt.Errorf("load enrollment %s: %w", l.EnrollmentID, err)
			}
			if en.FamilyID != current.FamilyID || en.SchoolID != current.SchoolID {
				return fmt.Errorf("%w: line %d: enrollment %s belongs to another family", ErrInvalidAllocation, i, en.ID)
			}
			a := newAllocation(current, *en, l.Amount, l.Period(), l.Note)
			a.Position = i
			a.Applied = true
			allocs = append(allocs, a)
		}

		working := *current
		replayed = current.AttributionStatus == models.AttributionManualMatched &&
			sameSet(allocationSet(current.Allocations), allocationSet(allocs))

		if !replayed {
			now := e.now()
			if hasApplied(current.Allocations) {
				if err := tx.ReversePayment(ctx, current.ID, current.LedgerRevision, now); err != nil {
					return fmt.Errorf("reverse revision %d: %w", current.LedgerRevision, err)
				}
			}
			revision := current.LedgerRevision + 1
			for _, a := range allocs {
				key := LedgerKey{PaymentID: current.ID, Revision: revision, EnrollmentID: a.EnrollmentID, Period: a.Period()}
				if err := tx.RecordPayment(ctx, key, a.Amount, current.PaymentDate); err != nil {
					return fmt.Errorf("record payment for enrollment %s: %w", a.EnrollmentID, err)
				}
			}
			working.LedgerRevision = revision
		}

		now := e.now()
		reviewer := reviewerID
		working.Allocations = allocs
		working.AttributionStatus = models.AttributionManualMatched
		working.AttributionMethod = models.MethodManual
		working.AttributionConfidence = 1.0
		working.Status = models.PaymentAllocated
		working.ReviewedBy = &reviewer
		working.ReviewedAt = &now
		working.FailureReason = nil
		if working.ProcessedAt == nil {
			working.ProcessedAt = &now
		}

		if err := tx.SavePayment(ctx, &working); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		action := models.AuditManuallyAllocated
		if replayed {
			action = models.AuditManualReplayed
		}
		if err := tx.AppendAudit(ctx, audit(&working, action, reviewerID, "", before)); err != nil {
			return err
		}
		result = &working
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manually allocate payment %s: %w", p.ID, err)
	}

	*p = *result
	log.Printf("[ATTRIBUTION] payment=%s manually allocated by %s lines=%d revision=%d replay=%v",
		p.ID, reviewerID, len(p.Allocations), p.LedgerRevision, replayed)
	return p, nil
}

// Refund marks p refunded. Allocations and ledger entries are kept for the audit trail.
func (e *Engine) Refund(ctx context.Context, p *models.Payment, amount decimal.Decimal, reason, actor string) (*models.Payment, error) {
	if err := checkPayment(p); err != nil {
		return nil, err
	}
	if !amount.IsPositive() || amount.GreaterThan(p.GrossAmount) {
		return nil, fmt.Errorf("%w: refund %s must be positive and at most %s", ErrInvalidPayment, amount, p.GrossAmount)
	}

	unlock := e.locks.lock(p.FamilyID)
	defer unlock()

	var result *models.Payment
	err := e.store.Transaction(ctx, func(tx Tx) error {
		current, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status == models.PaymentRefunded {
			return ErrPaymentRefunded
		}
		before := snapshot(current)
		now := e.now()
		working := *current
		working.Status = models.PaymentRefunded
		working.RefundAmount = amount
		working.RefundedAt = &now
		if reason != "" {
			working.RefundReason = &reason
		}
		if err := tx.SavePayment(ctx, &working); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		if err := tx.AppendAudit(ctx, audit(&working, models.AuditRefunded, actor, reason, before)); err != nil {
			return err
		}
		result = &working
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", p.ID, err)
	}
	*p = *result
	return p, nil
}

func hasApplied(allocs []models.Allocation) bool {
	for _, a := range allocs {
		if a.Applied {
			return true
		}
	}
	return false
}
