package attribution

import (
	"fmt"
	"sort"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ManualAllocation is one line of a staff-submitted allocation.
type ManualAllocation struct {
	EnrollmentID string          `json:"enrollmentId" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Month        int             `json:"month" validate:"min=1,max=12"`
	Year         int             `json:"year" validate:"min=2000,max=2100"`
	Note         string          `json:"note" validate:"max=255"`
}

func (m ManualAllocation) Period() models.BillingPeriod {
	return models.BillingPeriod{Month: time.Month(m.Month), Year: m.Year}
}

func newAllocation(p *models.Payment, e models.Enrollment, amount decimal.Decimal, period models.BillingPeriod, note string) models.Allocation {
	return models.Allocation{
		PaymentID:    p.ID,
		EnrollmentID: e.ID,
		StudentID:    e.StudentID,
		Amount:       amount,
		PeriodMonth:  int(period.Month),
		PeriodYear:   period.Year,
		Note:         note,
	}
}

// tuitionRound allocates every enrollment its full tuition for one period.
func tuitionRound(p *models.Payment, enrollments []models.Enrollment, period models.BillingPeriod, note string) []models.Allocation {
	allocs := make([]models.Allocation, 0, len(enrollments))
	for _, e := range enrollments {
		if !e.MonthlyTuition.IsPositive() {
			continue
		}
		allocs = append(allocs, newAllocation(p, e, e.MonthlyTuition, period, note))
	}
	return allocs
}

// settle makes the allocations sum to net. The difference goes to the largest
// allocation (earliest on ties), non-positive lines are dropped and positions
// are assigned in order.
func settle(allocs []models.Allocation, net decimal.Decimal) []models.Allocation {
	if len(allocs) == 0 {
		return allocs
	}
	sum := decimal.Zero
	largest := 0
	for i, a := range allocs {
		sum = sum.Add(a.Amount)
		if a.Amount.GreaterThan(allocs[largest].Amount) {
			largest = i
		}
	}
	if residue := net.Sub(sum); !residue.IsZero() {
		allocs[largest].Amount = allocs[largest].Amount.Add(residue)
	}

	out := allocs[:0]
	for _, a := range allocs {
		if !a.Amount.IsPositive() {
			continue
		}
		a.Position = len(out)
		out = append(out, a)
	}
	return out
}

// CheckConservation verifies that allocations account for the payment's net amount.
func CheckConservation(p *models.Payment, epsilon decimal.Decimal) error {
	diff := p.NetAmount.Sub(p.AllocatedTotal()).Abs()
	if diff.GreaterThanOrEqual(epsilon) {
		return fmt.Errorf("allocated %s of net %s", p.AllocatedTotal(), p.NetAmount)
	}
	return nil
}

// CheckFamily verifies that every allocation targets one of the family's enrollments.
func CheckFamily(allocs []models.Allocation, enrollments []models.Enrollment) error {
	known := make(map[string]struct{}, len(enrollments))
	for _, e := range enrollments {
		known[e.ID] = struct{}{}
	}
	for _, a := range allocs {
		if _, ok := known[a.EnrollmentID]; !ok {
			return fmt.Errorf("allocation to enrollment %s outside the family", a.EnrollmentID)
		}
	}
	return nil
}

// validateManual checks a submission without touching the store.
func validateManual(p *models.Payment, lines []ManualAllocation, reviewerID string) error {
	if reviewerID == "" {
		return fmt.Errorf("%w: reviewer is required", ErrInvalidAllocation)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one allocation is required", ErrInvalidAllocation)
	}
	seen := make(map[string]struct{}, len(lines))
	total := decimal.Zero
	for i, l := range lines {
		if err := validate.Struct(l); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidAllocation, i, err)
		}
		if !l.Amount.IsPositive() {
			return fmt.Errorf("%w: line %d: amount must be positive", ErrInvalidAllocation, i)
		}
		if l.Amount.GreaterThan(p.NetAmount) {
			return fmt.Errorf("%w: line %d: amount %s exceeds net %s", ErrInvalidAllocation, i, l.Amount, p.NetAmount)
		}
		key := l.EnrollmentID + "@" + l.Period().String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: line %d: duplicate enrollment and period", ErrInvalidAllocation, i)
		}
		seen[key] = struct{}{}
		total = total.Add(l.Amount)
	}
	if total.GreaterThan(p.NetAmount) {
		return fmt.Errorf("%w: allocated %s exceeds net %s", ErrInvalidAllocation, total, p.NetAmount)
	}
	return nil
}

// allocationSet is an order-independent fingerprint used to detect replays.
func allocationSet(allocs []models.Allocation) []string {
	var keys []string
	for _, a := range allocs {
		if !a.Applied {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s@%s=%s", a.EnrollmentID, a.Period(), a.Amount.StringFixed(2)))
	}
	sort.Strings(keys)
	return keys
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
