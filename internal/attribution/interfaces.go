package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/shopspring/decimal"
)

// LedgerKey identifies one ledger write. Writes are set-inserts on this key,
// so replaying the same key never credits an enrollment twice.
type LedgerKey struct {
	PaymentID    string
	Revision     int
	EnrollmentID string
	Period       models.BillingPeriod
}

func (k LedgerKey) IdempotencyKey(event models.LedgerEvent) string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", k.PaymentID, k.Revision, k.EnrollmentID, k.Period, event)
}

// Tx is the unit of work one attribution run executes against.
// Implementations: store.Tx (gorm transaction)
type Tx interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	FindActiveEnrollments(ctx context.Context, familyID, schoolID string) ([]models.Enrollment, error)
	FindEnrollment(ctx context.Context, id string) (*models.Enrollment, error)

	// RecordPayment appends a payment_received entry and credits the enrollment.
	// It must fail with ErrLostUpdate when the enrollment changed concurrently.
	RecordPayment(ctx context.Context, key LedgerKey, amount decimal.Decimal, date time.Time) error

	// ReversePayment offsets every payment_received entry the payment wrote
	// under revision with a payment_reversed entry.
	ReversePayment(ctx context.Context, paymentID string, revision int, date time.Time) error

	// SavePayment persists the payment and replaces its allocation list.
	SavePayment(ctx context.Context, p *models.Payment) error
	AppendAudit(ctx context.Context, a *models.AttributionAudit) error
}

// Store opens units of work. A non-nil error from fn rolls back every write it made.
// Implementations: store.Store
type Store interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
