package reconcile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrphanPayment    = errors.New("orphan payment")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrUnverifiedAssertion is returned for assertions whose origin the
	// gateway policy does not accept as proof of payment.
	ErrUnverifiedAssertion = errors.New("payment assertion is not verified")
	ErrCurrencyMismatch    = errors.New("payment not settled in wallet currency")
	ErrInvalidAmount       = errors.New("payment amount must be positive")
	ErrNotOwner            = errors.New("payment belongs to another user")
	ErrLookupUnsupported   = errors.New("gateway cannot be queried by order reference")
)

// OrphanPaymentError is a paid payment no pending transaction accounts for.
// It is never credited automatically.
type OrphanPaymentError struct {
	Gateway          string
	GatewayPaymentID string
	OrderID          string
	Reason           string
}

func (e *OrphanPaymentError) Error() string {
	return fmt.Sprintf("orphan payment %s/%s (order %q): %s", e.Gateway, e.GatewayPaymentID, e.OrderID, e.Reason)
}

func (e *OrphanPaymentError) Is(target error) bool {
	return target == ErrOrphanPayment
}

// CreditPendingError means the payment is recorded as completed but the wallet
// credit did not apply. Retrying Reconcile or the uncredited sweep finishes it.
type CreditPendingError struct {
	TransactionID uuid.UUID
	Err           error
}

func (e *CreditPendingError) Error() string {
	return fmt.Sprintf("credit pending for transaction %s: %v", e.TransactionID, e.Err)
}

func (e *CreditPendingError) Unwrap() error {
	return e.Err
}

type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Retryable reports whether running the same assertion again can succeed.
func Retryable(err error) bool {
	var creditErr *CreditPendingError
	return errors.Is(err, ErrStoreUnavailable) || errors.As(err, &creditErr)
}
