package models

import (
	"fmt"
	"time"
)

// BillingPeriod is a (month, year) pair tuition is owed for.
type BillingPeriod struct {
	Month time.Month
	Year  int
}

func PeriodOf(t time.Time) BillingPeriod {
	return BillingPeriod{Month: t.Month(), Year: t.Year()}
}

// Next returns the following calendar period, rolling December into January.
func (p BillingPeriod) Next() BillingPeriod {
	if p.Month == time.December {
		return BillingPeriod{Month: time.January, Year: p.Year + 1}
	}
	return BillingPeriod{Month: p.Month + 1, Year: p.Year}
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
