package attribution

import "errors"

var (
	ErrInvalidPayment     = errors.New("invalid payment")
	ErrAlreadyAttributed  = errors.New("payment already attributed")
	ErrInvalidAllocation  = errors.New("invalid allocation")
	ErrPaymentRefunded    = errors.New("payment refunded")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrLostUpdate         = errors.New("enrollment changed concurrently")
)
