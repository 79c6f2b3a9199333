package attribution

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errMockStorage = errors.New("mock storage error")

// fakeStore is an in-memory Store. Transactions are not serialized: each call
// takes the lock on its own and a failed transaction replays its undo log, so
// concurrent runs interleave the way they would against a database.
type fakeStore struct {
	mu          sync.Mutex
	payments    map[string]*models.Payment
	enrollments map[string]*models.Enrollment
	entries     []models.LedgerEntry
	keys        map[string]bool
	audits      []models.AttributionAudit
	auditSeq    uint

	TxCount      int
	RecordCalls  int
	ReverseCalls int
	FailRecordOn int   // fail the Nth and later RecordPayment calls (0 = never)
	FailFind     error // returned by FindActiveEnrollments when set
	FailLookup   error // returned by FindEnrollment when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:    make(map[string]*models.Payment),
		enrollments: make(map[string]*models.Enrollment),
		keys:        make(map[string]bool),
	}
}

func (s *fakeStore) addEnrollment(id, family, tuition string) *models.Enrollment {
	e := &models.Enrollment{
		ID:             id,
		FamilyID:       family,
		SchoolID:       "school-1",
		StudentID:      "student-" + id,
		MonthlyTuition: decimal.RequireFromString(tuition),
		Status:         models.EnrollmentActive,
		AmountPaid:     decimal.Zero,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, len(s.enrollments), time.UTC),
	}
	s.enrollments[id] = e
	return e
}

func (s *fakeStore) addPayment(id, family, net string) *models.Payment {
	p := &models.Payment{
		ID:           id,
		FamilyID:     family,
		SchoolID:     "school-1",
		Source:       models.SourceCard,
		GrossAmount:  decimal.RequireFromString(net),
		ProcessorFee: decimal.Zero,
		NetAmount:    decimal.RequireFromString(net),
		PaymentDate:  time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		Status:       models.PaymentPending,
	}
	s.payments[id] = clonePayment(p)
	return p
}

func (s *fakeStore) stored(id string) *models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePayment(s.payments[id])
}

func (s *fakeStore) balance(id string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[id].AmountPaid
}

func (s *fakeStore) auditActions(paymentID string) []models.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditAction
	for _, a := range s.audits {
		if a.PaymentID == paymentID {
			out = append(out, a.Action)
		}
	}
	return out
}

func (s *fakeStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return (&fakeTx{s: s}).GetPayment(ctx, id)
}

func (s *fakeStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	s.TxCount++
	s.mu.Unlock()

	tx := &fakeTx{s: s}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type fakeTx struct {
	s    *fakeStore
	undo []func() // run under s.mu, newest first
}

func (t *fakeTx) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (t *fakeTx) FindActiveEnrollments(_ context.Context, familyID, schoolID string) ([]models.Enrollment, error) {
	if t.s.FailFind != nil {
		return nil, t.s.FailFind
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []models.Enrollment
	for _, e := range t.s.enrollments {
		if e.FamilyID == familyID && e.SchoolID == schoolID && e.Status == models.EnrollmentActive {
			out = append(out, *e)
		}
	}
	sortEnrollments(out)
	return out, nil
}

func (t *fakeTx) FindEnrollment(_ context.Context, id string) (*models.Enrollment, error) {
	if t.s.FailLookup != nil {
		return nil, t.s.FailLookup
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	e, ok := t.s.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *fakeTx) RecordPayment(_ context.Context, key LedgerKey, amount decimal.Decimal, date time.Time) error {
	t.s.mu.Lock()
	t.s.RecordCalls++
	failed := t.s.FailRecordOn > 0 && t.s.RecordCalls >= t.s.FailRecordOn
	t.s.mu.Unlock()
	if failed {
		return ErrLostUpdate
	}
	return t.post(key, amount, models.LedgerPaymentReceived, date)
}

func (t *fakeTx) ReversePayment(_ context.Context, paymentID string, revision int, date time.Time) error {
	t.s.mu.Lock()
	t.s.ReverseCalls++
	var received []models.LedgerEntry
	for _, e := range t.s.entries {
		if e.PaymentID == paymentID && e.Revision == revision && e.EventType == models.LedgerPaymentReceived {
			received = append(received, e)
		}
	}
	t.s.mu.Unlock()

	for _, e := range received {
		key := LedgerKey{PaymentID: paymentID, Revision: revision, EnrollmentID: e.EnrollmentID,
			Period: models.BillingPeriod{Month: time.Month(e.PeriodMonth), Year: e.PeriodYear}}
		if err := t.post(key, e.Change.Neg(), models.LedgerPaymentReversed, date); err != nil {
			return err
		}
	}
	return nil
}

// post reads the enrollment, yields, then applies the change only if the
// enrollment version is unchanged, like the store's conditional update.
func (t *fakeTx) post(key LedgerKey, change decimal.Decimal, event models.LedgerEvent, date time.Time) error {
	idem := key.IdempotencyKey(event)

	t.s.mu.Lock()
	if t.s.keys[idem] {
		t.s.mu.Unlock()
		return nil
	}
	e, ok := t.s.enrollments[key.EnrollmentID]
	if !ok {
		t.s.mu.Unlock()
		return ErrEnrollmentNotFound
	}
	version := e.Version
	t.s.mu.Unlock()

	runtime.Gosched()

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.keys[idem] {
		return nil
	}
	if e.Version != version {
		return ErrLostUpdate
	}
	e.AmountPaid = e.AmountPaid.Add(change)
	e.Version++
	t.s.keys[idem] = true
	t.s.entries = append(t.s.entries, models.LedgerEntry{
		EnrollmentID:   e.ID,
		PaymentID:      key.PaymentID,
		Revision:       key.Revision,
		PeriodMonth:    int(key.Period.Month),
		PeriodYear:     key.Period.Year,
		Change:         change,
		BalanceAfter:   e.AmountPaid,
		EventType:      event,
		IdempotencyKey: idem,
		OccurredAt:     date,
	})
	t.undo = append(t.undo, func() {
		e.AmountPaid = e.AmountPaid.Sub(change)
		e.Version++
		delete(t.s.keys, idem)
		for i := range t.s.entries {
			if t.s.entries[i].IdempotencyKey == idem {
				t.s.entries = append(t.s.entries[:i], t.s.entries[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (t *fakeTx) SavePayment(_ context.Context, p *models.Payment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, existed := t.s.payments[p.ID]
	t.s.payments[p.ID] = clonePayment(p)
	t.undo = append(t.undo, func() {
		if existed {
			t.s.payments[p.ID] = prev
		} else {
			delete(t.s.payments, p.ID)
		}
	})
	return nil
}

func (t *fakeTx) AppendAudit(_ context.Context, a *models.AttributionAudit) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.auditSeq++
	row := *a
	row.ID = t.s.auditSeq
	t.s.audits = append(t.s.audits, row)
	t.undo = append(t.undo, func() {
		for i := range t.s.audits {
			if t.s.audits[i].ID == row.ID {
				t.s.audits = append(t.s.audits[:i], t.s.audits[i+1:]...)
				break
			}
		}
	})
	return nil
}

func clonePayment(p *models.Payment) *models.Payment {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Allocations = append([]models.Allocation(nil), p.Allocations...)
	return &cp
}

func sortEnrollments(es []models.Enrollment) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].CreatedAt.Before(es[j-1].CreatedAt); j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

var anchor = time.Date(2025, time.November, 10, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC) }

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	w := decimal.RequireFromString(want)
	require.Truef(t, w.Equal(got), "want %s, got %s", w, got)
}
