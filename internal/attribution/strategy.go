package attribution

import (
	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
)

const (
	ConfidenceExactMatch   = 0.99
	ConfidenceFamilyMatch  = 0.95
	ConfidenceAmountMatch  = 0.90
	ConfidenceProportional = 0.50

	DefaultMaxPeriods = 12

	suggestionNote = "AI-suggested split, needs review"
	prepaidNote    = "prepaid credit"
)

// DefaultEpsilon is one currency unit.
var DefaultEpsilon = decimal.NewFromInt(1)

// LedgerPolicy tells the engine which allocations of a result are written to the ledger.
type LedgerPolicy int

const (
	// ApplyFirstPeriod writes one entry per enrollment, for the first period allocated to it.
	ApplyFirstPeriod LedgerPolicy = iota
	// ApplyNone leaves the ledger untouched until a reviewer confirms the split.
	ApplyNone
)

// Input is everything a strategy may look at. Strategies never do I/O.
type Input struct {
	Payment      *models.Payment
	Enrollments  []models.Enrollment
	TotalTuition decimal.Decimal
	Period       models.BillingPeriod
	Epsilon      decimal.Decimal
}

// Result is a strategy's proposed attribution for one payment.
type Result struct {
	Allocations []models.Allocation
	Confidence  float64
	Method      models.AttributionMethod
	Status      models.AttributionStatus
	Policy      LedgerPolicy
}

// Strategy either claims a payment or declines it.
type Strategy interface {
	Name() string
	Match(in Input) (Result, bool)
}

// Chain evaluates strategies in order; the first match wins.
type Chain []Strategy

// DefaultChain orders the strategies from most to least certain.
func DefaultChain(maxPeriods int) Chain {
	return Chain{
		ExactMatch{},
		SingleEnrollment{},
		MultiPeriod{MaxPeriods: maxPeriods},
		Proportional{},
	}
}

// Evaluate returns the first matching result and the name of the strategy that produced it.
func (c Chain) Evaluate(in Input) (Result, string, bool) {
	for _, s := range c {
		if res, ok := s.Match(in); ok {
			return res, s.Name(), true
		}
	}
	return Result{}, "", false
}

// TotalTuition sums one month of tuition across enrollments.
func TotalTuition(enrollments []models.Enrollment) decimal.Decimal {
	total := decimal.Zero
	for _, e := range enrollments {
		total = total.Add(e.MonthlyTuition)
	}
	return total
}

// ExactMatch claims a payment whose net amount equals one round of the family's tuition.
type ExactMatch struct{}

func (ExactMatch) Name() string { return string(models.MethodExactMatch) }

func (ExactMatch) Match(in Input) (Result, bool) {
	if !in.TotalTuition.IsPositive() {
		return Result{}, false
	}
	if in.Payment.NetAmount.Sub(in.TotalTuition).Abs().GreaterThanOrEqual(in.Epsilon) {
		return Result{}, false
	}
	allocs := tuitionRound(in.Payment, in.Enrollments, in.Period, "")
	return Result{
		Allocations: settle(allocs, in.Payment.NetAmount),
		Confidence:  ConfidenceExactMatch,
		Method:      models.MethodExactMatch,
		Status:      models.AttributionAutoMatched,
		Policy:      ApplyFirstPeriod,
	}, true
}

// SingleEnrollment gives the whole payment to a family's only enrollment.
type SingleEnrollment struct{}

func (SingleEnrollment) Name() string { return string(models.MethodFamilyMatch) }

func (SingleEnrollment) Match(in Input) (Result, bool) {
	if len(in.Enrollments) != 1 {
		return Result{}, false
	}
	e := in.Enrollments[0]
	allocs := []models.Allocation{newAllocation(in.Payment, e, in.Payment.NetAmount, in.Period, "")}
	return Result{
		Allocations: settle(allocs, in.Payment.NetAmount),
		Confidence:  ConfidenceFamilyMatch,
		Method:      models.MethodFamilyMatch,
		Status:      models.AttributionAutoMatched,
		Policy:      ApplyFirstPeriod,
	}, true
}

// MultiPeriod claims a payment worth k full rounds of tuition, 1 < k <= MaxPeriods,
// and spreads it over k consecutive periods starting at the anchor.
type MultiPeriod struct {
	MaxPeriods int
}

func (MultiPeriod) Name() string { return string(models.MethodAmountMatch) }

func (m MultiPeriod) Match(in Input) (Result, bool) {
	if !in.TotalTuition.IsPositive() {
		return Result{}, false
	}
	limit := m.MaxPeriods
	if limit <= 0 {
		limit = DefaultMaxPeriods
	}
	net := in.Payment.NetAmount
	k := net.Div(in.TotalTuition).Round(0)
	if k.LessThanOrEqual(decimal.NewFromInt(1)) || k.GreaterThan(decimal.NewFromInt(int64(limit))) {
		return Result{}, false
	}
	if net.Sub(k.Mul(in.TotalTuition)).Abs().GreaterThanOrEqual(in.Epsilon) {
		return Result{}, false
	}

	var allocs []models.Allocation
	period := in.Period
	for i := 0; i < int(k.IntPart()); i++ {
		note := ""
		if i > 0 {
			note = prepaidNote
		}
		allocs = append(allocs, tuitionRound(in.Payment, in.Enrollments, period, note)...)
		period = period.Next()
	}
	return Result{
		Allocations: settle(allocs, net),
		Confidence:  ConfidenceAmountMatch,
		Method:      models.MethodAmountMatch,
		Status:      models.AttributionAutoMatched,
		Policy:      ApplyFirstPeriod,
	}, true
}

// Proportional splits the payment by each enrollment's share of total tuition.
// It always matches when enrollments exist and its result needs a reviewer.
type Proportional struct{}

func (Proportional) Name() string { return "proportional" }

func (Proportional) Match(in Input) (Result, bool) {
	if len(in.Enrollments) == 0 {
		return Result{}, false
	}
	net := in.Payment.NetAmount
	n := decimal.NewFromInt(int64(len(in.Enrollments)))

	allocs := make([]models.Allocation, 0, len(in.Enrollments))
	for _, e := range in.Enrollments {
		var share decimal.Decimal
		if in.TotalTuition.IsPositive() {
			share = net.Mul(e.MonthlyTuition).Div(in.TotalTuition)
		} else {
			share = net.Div(n)
		}
		allocs = append(allocs, newAllocation(in.Payment, e, share.Round(2), in.Period, suggestionNote))
	}
	return Result{
		Allocations: settle(allocs, net),
		Confidence:  ConfidenceProportional,
		Method:      models.MethodNone,
		Status:      models.AttributionNeedsReview,
		Policy:      ApplyNone,
	}, true
}
