package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment is one inbound transfer of money from a family through one processor.
// Rows are never deleted; a refund is a status transition.
type Payment struct {
	ID                    string            `json:"id" gorm:"primaryKey;size:36"`
	ExternalTransactionID *string           `json:"externalTransactionId" gorm:"uniqueIndex"`
	FamilyID              string            `json:"familyId" gorm:"index;not null"`
	SchoolID              string            `json:"schoolId" gorm:"index;not null"`
	Source                PaymentSource     `json:"source" gorm:"size:16;not null"`
	GrossAmount           decimal.Decimal   `json:"grossAmount" gorm:"type:decimal(12,2);not null"`
	ProcessorFee          decimal.Decimal   `json:"processorFee" gorm:"type:decimal(12,2);not null"`
	NetAmount             decimal.Decimal   `json:"netAmount" gorm:"type:decimal(12,2);not null"`
	PaymentDate           time.Time         `json:"paymentDate" gorm:"index;not null"`
	ReceivedDate          time.Time         `json:"receivedDate"`
	ProcessedAt           *time.Time        `json:"processedAt"`
	Status                PaymentStatus     `json:"status" gorm:"size:16;index;not null"`
	AttributionStatus     AttributionStatus `json:"attributionStatus" gorm:"size:16;index"`
	AttributionConfidence float64           `json:"attributionConfidence"`
	AttributionMethod     AttributionMethod `json:"attributionMethod" gorm:"size:16"`
	Allocations           []Allocation      `json:"allocations" gorm:"foreignKey:PaymentID"`
	LedgerRevision        int               `json:"ledgerRevision" gorm:"not null;default:0"`
	ReviewedBy            *string           `json:"reviewedBy"`
	ReviewedAt            *time.Time        `json:"reviewedAt"`
	RefundAmount          decimal.Decimal   `json:"refundAmount" gorm:"type:decimal(12,2);not null;default:0"`
	RefundedAt            *time.Time        `json:"refundedAt"`
	RefundReason          *string           `json:"refundReason"`
	FailureReason         *string           `json:"failureReason"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// AllocatedTotal sums the allocation amounts.
func (p *Payment) AllocatedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Amount)
	}
	return total
}

// Allocation is one portion of a Payment applied to one enrollment for one billing period.
type Allocation struct {
	ID           uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	PaymentID    string          `json:"paymentId" gorm:"index;not null;size:36"`
	EnrollmentID string          `json:"enrollmentId" gorm:"index;not null"`
	StudentID    string          `json:"studentId" gorm:"index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	PeriodMonth  int             `json:"month" gorm:"not null"`
	PeriodYear   int             `json:"year" gorm:"not null"`
	Note         string          `json:"note"`
	Applied      bool            `json:"applied"`
	Position     int             `json:"position" gorm:"not null"`
}

func (a Allocation) Period() BillingPeriod {
	return BillingPeriod{Month: time.Month(a.PeriodMonth), Year: a.PeriodYear}
}

// Enrollment is a student's billing relationship with a school.
type Enrollment struct {
	ID             string           `json:"id" gorm:"primaryKey;size:36"`
	FamilyID       string           `json:"familyId" gorm:"index:idx_enrollment_family;not null"`
	SchoolID       string           `json:"schoolId" gorm:"index:idx_enrollment_family;not null"`
	StudentID      string           `json:"studentId" gorm:"index;not null"`
	StudentName    string           `json:"studentName"`
	MonthlyTuition decimal.Decimal  `json:"monthlyTuition" gorm:"type:decimal(12,2);not null"`
	Status         EnrollmentStatus `json:"status" gorm:"size:16;index;not null"`
	AmountPaid     decimal.Decimal  `json:"amountPaid" gorm:"type:decimal(12,2);not null;default:0"`
	LastPaymentAt  *time.Time       `json:"lastPaymentAt"`
	Version        int              `json:"version" gorm:"not null;default:0"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// LedgerEntry is an append-only row in an enrollment's payment history.
type LedgerEntry struct {
	ID             uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	EnrollmentID   string          `json:"enrollmentId" gorm:"index;not null"`
	PaymentID      string          `json:"paymentId" gorm:"index;not null"`
	Revision       int             `json:"revision" gorm:"not null"`
	PeriodMonth    int             `json:"month" gorm:"not null"`
	PeriodYear     int             `json:"year" gorm:"not null"`
	Change         decimal.Decimal `json:"change" gorm:"type:decimal(12,2);not null"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter" gorm:"type:decimal(12,2);not null"`
	EventType      LedgerEvent     `json:"eventType" gorm:"size:24;not null"`
	IdempotencyKey string          `json:"idemKey" gorm:"uniqueIndex;not null"`
	OccurredAt     time.Time       `json:"occurredAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// AttributionAudit records every state change made to a payment's attribution.
type AttributionAudit struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	PaymentID string         `json:"paymentId" gorm:"index;not null"`
	Action    AuditAction    `json:"action" gorm:"size:32;not null"`
	Actor     string         `json:"actor"`
	Detail    string         `json:"detail"`
	Before    datatypes.JSON `json:"before"`
	After     datatypes.JSON `json:"after"`
	CreatedAt time.Time      `json:"createdAt"`
}
