package models

// PaymentSource is the processor a payment arrived through.
type PaymentSource string

const (
	SourceCard  PaymentSource = "card"
	SourceESA   PaymentSource = "esa"
	SourceCheck PaymentSource = "check"
	SourceCash  PaymentSource = "cash"
	SourceWire  PaymentSource = "wire"
	SourceOther PaymentSource = "other"
)

func (s PaymentSource) Valid() bool {
	switch s {
	case SourceCard, SourceESA, SourceCheck, SourceCash, SourceWire, SourceOther:
		return true
	}
	return false
}

// PaymentStatus is the overall lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentAllocated PaymentStatus = "allocated"
	PaymentRefunded  PaymentStatus = "refunded"
)

// AttributionStatus gates downstream accounting. Empty means never attributed.
type AttributionStatus string

const (
	AttributionAutoMatched   AttributionStatus = "auto-matched"
	AttributionManualMatched AttributionStatus = "manual-matched"
	AttributionNeedsReview   AttributionStatus = "needs-review"
	AttributionUnmatched     AttributionStatus = "unmatched"
	AttributionSplitPayment  AttributionStatus = "split-payment"
)

type AttributionMethod string

const (
	MethodNone        AttributionMethod = ""
	MethodExactMatch  AttributionMethod = "exact-match"
	MethodFamilyMatch AttributionMethod = "family-match"
	MethodAmountMatch AttributionMethod = "amount-match"
	MethodManual      AttributionMethod = "manual"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentWithdrawn EnrollmentStatus = "withdrawn"
)

type LedgerEvent string

const (
	LedgerPaymentReceived LedgerEvent = "payment_received"
	LedgerPaymentReversed LedgerEvent = "payment_reversed"
)

type AuditAction string

const (
	AuditAttributed        AuditAction = "attributed"
	AuditAttributionFailed AuditAction = "attribution_failed"
	AuditManuallyAllocated AuditAction = "manually_allocated"
	AuditManualReplayed    AuditAction = "manual_replayed"
	AuditRefunded          AuditAction = "refunded"
)
