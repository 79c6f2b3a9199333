package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
)

// Engine attributes payments to enrollments and owns every ledger write.
type Engine struct {
	store   Store
	chain   Chain
	epsilon decimal.Decimal
	now     func() time.Time
	locks   *familyLocks
}

type Option func(*Engine)

func WithChain(c Chain) Option { return func(e *Engine) { e.chain = c } }

func WithEpsilon(eps decimal.Decimal) Option { return func(e *Engine) { e.epsilon = eps } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		chain:   DefaultChain(DefaultMaxPeriods),
		epsilon: DefaultEpsilon,
		now:     time.Now,
		locks:   &familyLocks{m: make(map[string]*familyLock)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttributeByID loads a payment and attributes it.
func (e *Engine) AttributeByID(ctx context.Context, id string, anchor time.Time) (*models.Payment, error) {
	p, err := e.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Attribute(ctx, p, anchor)
}

// Attribute runs the strategy chain for p with anchor as the current billing
// period, applies the result to the ledger and persists p. It mutates and
// returns p. When the run fails p is persisted as unmatched and the error is
// returned.
func (e *Engine) Attribute(ctx context.Context, p *models.Payment, anchor time.Time) (*models.Payment, error) {
	if err := checkPayment(p); err != nil {
		return nil, err
	}
	if err := attributable(p); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(p.FamilyID)
	defer unlock()

	base := p
	var before []byte
	var working models.Payment
	var strategy string

	err := e.store.Transaction(ctx, func(tx Tx) error {
		current, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := attributable(current); err != nil {
			return err
		}
		base = current
		before = snapshot(current)
		working = *current

		enrollments, err := tx.FindActiveEnrollments(ctx, current.FamilyID, current.SchoolID)
		if err != nil {
			return fmt.Errorf("load enrollments: %w", err)
		}
		now := e.now()
		working.ProcessedAt = &now
		working.FailureReason = nil

		strategy = "none"
		if len(enrollments) == 0 {
			markUnmatched(&working)
		} else {
			res, name, ok := e.chain.Evaluate(Input{
				Payment:      &working,
				Enrollments:  enrollments,
				TotalTuition: TotalTuition(enrollments),
				Period:       models.PeriodOf(anchor),
				Epsilon:      e.epsilon,
			})
			if !ok {
				markUnmatched(&working)
			} else {
				strategy = name
				if err := e.apply(ctx, tx, &working, res, enrollments); err != nil {
					return err
				}
			}
		}

		if err := tx.SavePayment(ctx, &working); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		if unchanged(current, &working) {
			return nil
		}
		return tx.AppendAudit(ctx, audit(&working, models.AuditAttributed, "engine", "strategy "+strategy, before))
	})
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrAlreadyAttributed) || errors.Is(err, ErrPaymentRefunded) {
			return nil, err
		}
		if before == nil {
			before = snapshot(base)
		}
		e.fail(ctx, base, before, err)
		*p = *base
		return p, fmt.Errorf("attribute payment %s: %w", p.ID, err)
	}

	*p = working
	log.Printf("[ATTRIBUTION] payment=%s family=%s strategy=%s status=%s confidence=%.2f allocations=%d",
		p.ID, p.FamilyID, strategy, p.AttributionStatus, p.AttributionConfidence, len(p.Allocations))
	return p, nil
}

// attributable rejects payments the automatic path must not touch: refunds and
// anything already settled or split by hand.
func attributable(p *models.Payment) error {
	if p.Status == models.PaymentRefunded {
		return fmt.Errorf("%w: %s", ErrPaymentRefunded, p.ID)
	}
	switch p.AttributionStatus {
	case models.AttributionAutoMatched, models.AttributionManualMatched, models.AttributionSplitPayment:
		return fmt.Errorf("%w: payment %s is %s", ErrAlreadyAttributed, p.ID, p.AttributionStatus)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, p *models.Payment, res Result, enrollments []models.Enrollment) error {
	p.Allocations = res.Allocations
	p.AttributionStatus = res.Status
	p.AttributionMethod = res.Method
	p.AttributionConfidence = res.Confidence

	if err := CheckFamily(p.Allocations, enrollments); err != nil {
		return err
	}
	if err := CheckConservation(p, e.epsilon); err != nil {
		return err
	}

	if res.Policy == ApplyFirstPeriod {
		revision := p.LedgerRevision + 1
		touched := make(map[string]bool, len(enrollments))
		for i := range p.Allocations {
			a := &p.Allocations[i]
			if touched[a.EnrollmentID] {
				continue
			}
			touched[a.EnrollmentID] = true
			key := LedgerKey{PaymentID: p.ID, Revision: revision, EnrollmentID: a.EnrollmentID, Period: a.Period()}
			if err := tx.RecordPayment(ctx, key, a.Amount, p.PaymentDate); err != nil {
				return fmt.Errorf("record payment for enrollment %s: %w", a.EnrollmentID, err)
			}
			a.Applied = true
		}
		p.LedgerRevision = revision
	}

	if p.AttributionStatus == models.AttributionAutoMatched {
		p.Status = models.PaymentAllocated
	}
	return nil
}

// fail resets p to a safe unmatched state and persists it outside the failed transaction.
func (e *Engine) fail(ctx context.Context, p *models.Payment, before []byte, cause error) {
	now := e.now()
	reason := cause.Error()
	markUnmatched(p)
	p.ProcessedAt = &now
	p.FailureReason = &reason

	err := e.store.Transaction(ctx, func(tx Tx) error {
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit(p, models.AuditAttributionFailed, "engine", reason, before))
	})
	if err != nil {
		log.Printf("[ATTRIBUTION] payment=%s failed (%v) and could not be reset: %v", p.ID, cause, err)
		return
	}
	log.Printf("[ATTRIBUTION] payment=%s failed, left unmatched: %v", p.ID, cause)
}

// unchanged reports a retry that left a cleanly unmatched payment unmatched.
func unchanged(before, after *models.Payment) bool {
	return before.AttributionStatus == models.AttributionUnmatched && before.FailureReason == nil &&
		after.AttributionStatus == models.AttributionUnmatched
}

func markUnmatched(p *models.Payment) {
	p.AttributionStatus = models.AttributionUnmatched
	p.AttributionConfidence = 0
	p.AttributionMethod = models.MethodNone
	p.Allocations = nil
}

func checkPayment(p *models.Payment) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil payment", ErrInvalidPayment)
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPayment)
	case p.FamilyID == "" || p.SchoolID == "":
		return fmt.Errorf("%w: payment %s has no family or school", ErrInvalidPayment, p.ID)
	case !p.NetAmount.IsPositive():
		return fmt.Errorf("%w: payment %s net amount %s is not positive", ErrInvalidPayment, p.ID, p.NetAmount)
	}
	return nil
}

func snapshot(p *models.Payment) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

func audit(p *models.Payment, action models.AuditAction, actor, detail string, before []byte) *models.AttributionAudit {
	return &models.AttributionAudit{
		PaymentID: p.ID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Before:    before,
		After:     snapshot(p),
	}
}

// familyLocks serializes runs that touch the same family's enrollments.
type familyLocks struct {
	mu sync.Mutex
	m  map[string]*familyLock
}

type familyLock struct {
	sync.Mutex
	refs int
}

func (l *familyLocks) lock(familyID string) func() {
	l.mu.Lock()
	fl, ok := l.m[familyID]
	if !ok {
		fl = &familyLock{}
		l.m[familyID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.Lock()
	return func() {
		fl.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.m, familyID)
		}
		l.mu.Unlock()
	}
}
