// Package reconcile settles verified payment assertions into the transaction
// ledger and the wallet. Every outcome is safe to repeat: the unique gateway
// reference on the ledger and the credit journal in the wallet store are the
// only synchronisation points.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/internal/wallet"
	"github.com/zjoart/go-numbers-wallet/pkg/database"
	"github.com/zjoart/go-numbers-wallet/pkg/id"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
	"gorm.io/datatypes"
)

type OrphanMode string

const (
	// OrphanFailClosed reports paid payments without a pending transaction to
	// an operator and credits nothing.
	OrphanFailClosed OrphanMode = "fail_closed"
	// OrphanOpenCompleted records such payments as completed transactions and
	// credits the user derived from the assertion or the order reference.
	OrphanOpenCompleted OrphanMode = "open_completed"
)

func ParseOrphanMode(s string) OrphanMode {
	if OrphanMode(s) == OrphanOpenCompleted {
		return OrphanOpenCompleted
	}
	return OrphanFailClosed
}

// Policy is the per-gateway trust configuration.
type Policy struct {
	// TrustSignature accepts a signed callback as proof of payment without
	// an authoritative status lookup.
	TrustSignature bool
	OrphanMode     OrphanMode
}

type Outcome string

const (
	Settled          Outcome = "SETTLED"
	AlreadyProcessed Outcome = "ALREADY_PROCESSED"
	NotPaid          Outcome = "NOT_PAID"
	// Queued is only produced by the intake service when a callback was
	// handed to the retry worker.
	Queued Outcome = "QUEUED"
)

type Result struct {
	Outcome       Outcome         `json:"outcome"`
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	// Resumed is set when the credit finished an earlier interrupted settlement.
	Resumed bool `json:"resumed,omitempty"`
}

type Engine struct {
	Ledger   ledger.Repository
	Wallet   wallet.Store
	Policies map[string]Policy
}

func NewEngine(ledgerRepo ledger.Repository, store wallet.Store, policies map[string]Policy) *Engine {
	if policies == nil {
		policies = make(map[string]Policy)
	}
	return &Engine{Ledger: ledgerRepo, Wallet: store, Policies: policies}
}

func (e *Engine) Policy(gw string) Policy {
	p, ok := e.Policies[gw]
	if !ok || p.OrphanMode == "" {
		p.OrphanMode = OrphanFailClosed
	}
	return p
}

// Reconcile applies a payment assertion at most once. Settled is returned only
// by the call whose wallet credit actually applied.
func (e *Engine) Reconcile(ctx context.Context, a *gateway.PaymentAssertion) (*Result, error) {
	if a == nil {
		return nil, gateway.ErrMalformed
	}
	policy := e.Policy(a.Gateway)

	if !a.Verified {
		return nil, ErrUnverifiedAssertion
	}
	if a.VerificationMethod == gateway.VerifiedBySignature && !policy.TrustSignature {
		return nil, fmt.Errorf("%w: %s requires a status lookup", ErrUnverifiedAssertion, a.Gateway)
	}

	fields := assertionFields(a)

	if !a.IsPaid() {
		logger.Info("Payment not in a paid state, nothing to settle", logger.Merge(fields, logger.Fields{"status": a.Status, "provider_status": a.ProviderStatus}))
		return &Result{Outcome: NotPaid}, nil
	}

	if a.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: missing gateway payment id", gateway.ErrMalformed)
	}
	if a.Currency != gateway.SettlementCurrency {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyMismatch, a.Currency)
	}
	amount := a.AmountUSD.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	existing, err := e.Ledger.FindCompleted(ctx, a.GatewayPaymentID)
	if err == nil {
		return e.settleExisting(ctx, existing)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, storeError("find completed transaction", err)
	}

	if a.OrderID == "" {
		return e.orphan(ctx, a, amount, policy, "assertion carries no order reference")
	}

	pending, err := e.Ledger.FindPending(ctx, a.OrderID, a.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// the row may have been completed since the first lookup
			return e.recheck(ctx, a, amount, policy, "no pending transaction for order")
		}
		return nil, storeError("find pending transaction", err)
	}

	if !pending.Amount.Equal(amount) {
		logger.Warn("Paid amount differs from requested amount", logger.Merge(fields, logger.Fields{
			logger.TxKey: pending.ID.String(),
			"requested":  pending.Amount.StringFixed(2),
			"paid":       amount.StringFixed(2),
		}))
	}

	err = e.Ledger.Complete(ctx, pending.ID, ledger.Completion{
		GatewayReference: a.GatewayPaymentID,
		Amount:           amount,
		Metadata:         metadata(a),
	})
	switch {
	case err == nil:
		ref := a.GatewayPaymentID
		pending.Status = ledger.TransactionCompleted
		pending.GatewayReference = &ref
		pending.Amount = amount
		logger.Info("Payment claimed", logger.Merge(fields, logger.Fields{logger.TxKey: pending.ID.String()}))
		return e.credit(ctx, pending, false)
	case errors.Is(err, ledger.ErrAlreadyClaimed), errors.Is(err, ledger.ErrNotPending):
		return e.recheck(ctx, a, amount, policy, "pending transaction was closed concurrently")
	default:
		return nil, storeError("complete transaction", err)
	}
}

// Fail moves a pending transaction to FAILED. Rows already terminal are left
// untouched.
func (e *Engine) Fail(ctx context.Context, transactionID uuid.UUID, reason string) error {
	err := e.Ledger.MarkFailed(ctx, transactionID, reason)
	if errors.Is(err, ledger.ErrNotPending) {
		return nil
	}
	if err != nil {
		return storeError("mark transaction failed", err)
	}
	logger.Info("Transaction failed", logger.Fields{logger.TxKey: transactionID.String(), "reason": reason})
	return nil
}

// ResumeCredit finishes a completed transaction whose credit never applied.
func (e *Engine) ResumeCredit(ctx context.Context, tx *ledger.Transaction) (*Result, error) {
	if tx.Status != ledger.TransactionCompleted || tx.GatewayRef() == "" {
		return nil, fmt.Errorf("transaction %s is not completed", tx.ID)
	}
	return e.Reconcile(ctx, &gateway.PaymentAssertion{
		Gateway:            tx.Gateway,
		GatewayPaymentID:   tx.GatewayRef(),
		OrderID:            tx.ClientReference,
		UserID:             tx.UserID,
		AmountUSD:          tx.Amount,
		Currency:           tx.Currency,
		Status:             gateway.StatusPaid,
		Verified:           true,
		VerificationMethod: gateway.VerifiedByLedger,
	})
}

func (e *Engine) settleExisting(ctx context.Context, tx *ledger.Transaction) (*Result, error) {
	if tx.Credited {
		return &Result{Outcome: AlreadyProcessed, TransactionID: tx.ID}, nil
	}
	return e.credit(ctx, tx, true)
}

// recheck runs when no pending row could be claimed: either someone else
// completed this payment, or it is an orphan.
func (e *Engine) recheck(ctx context.Context, a *gateway.PaymentAssertion, amount decimal.Decimal, policy Policy, reason string) (*Result, error) {
	existing, err := e.Ledger.FindCompleted(ctx, a.GatewayPaymentID)
	if err == nil {
		return e.settleExisting(ctx, existing)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, storeError("find completed transaction", err)
	}
	return e.orphan(ctx, a, amount, policy, reason)
}

func (e *Engine) orphan(ctx context.Context, a *gateway.PaymentAssertion, amount decimal.Decimal, policy Policy, reason string) (*Result, error) {
	orphanErr := &OrphanPaymentError{
		Gateway:          a.Gateway,
		GatewayPaymentID: a.GatewayPaymentID,
		OrderID:          a.OrderID,
		Reason:           reason,
	}
	if policy.OrphanMode != OrphanOpenCompleted {
		return nil, orphanErr
	}

	userID := a.UserID
	if userID == uuid.Nil {
		derived, err := id.UserFromDepositReference(a.OrderID)
		if err != nil {
			orphanErr.Reason = reason + "; owner cannot be determined"
			return nil, orphanErr
		}
		userID = derived
	}

	ref := a.GatewayPaymentID
	tx := &ledger.Transaction{
		UserID:           userID,
		Type:             ledger.TransactionDeposit,
		Gateway:          a.Gateway,
		Amount:           amount,
		Currency:         gateway.SettlementCurrency,
		ClientReference:  a.OrderID,
		GatewayReference: &ref,
		Description:      fmt.Sprintf("Deposit via %s (recorded on settlement)", a.Gateway),
		GatewayMetadata:  metadata(a),
	}

	err := e.Ledger.CreateCompleted(ctx, tx)
	switch {
	case err == nil:
		logger.Warn("Recorded payment without a pending transaction", logger.Merge(assertionFields(a), logger.Fields{logger.TxKey: tx.ID.String(), "reason": reason}))
		return e.credit(ctx, tx, false)
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		existing, findErr := e.Ledger.FindCompleted(ctx, a.GatewayPaymentID)
		if findErr != nil {
			return nil, storeError("find completed transaction", findErr)
		}
		return e.settleExisting(ctx, existing)
	default:
		return nil, storeError("record completed transaction", err)
	}
}

func (e *Engine) credit(ctx context.Context, tx *ledger.Transaction, resumed bool) (*Result, error) {
	fields := logger.Fields{logger.TxKey: tx.ID.String(), logger.UserIdKey: tx.UserID.String(), logger.GatewayKey: tx.Gateway}

	applied := true
	balance, err := e.Wallet.Credit(ctx, tx.UserID, tx.ID, tx.Amount)
	if errors.Is(err, wallet.ErrAlreadyCredited) {
		applied = false
		err = nil
	}
	if err != nil {
		logger.Error("Wallet credit failed, transaction left uncredited", logger.Merge(fields, logger.WithError(err)))
		return nil, &CreditPendingError{TransactionID: tx.ID, Err: err}
	}

	if err := e.Ledger.MarkCredited(ctx, tx.ID); err != nil {
		// the journal already holds the credit; the sweep will set the flag
		logger.Warn("Failed to flag transaction as credited", logger.Merge(fields, logger.WithError(err)))
	}

	if !applied {
		return &Result{Outcome: AlreadyProcessed, TransactionID: tx.ID}, nil
	}

	logger.Info("Wallet credited", logger.Merge(fields, logger.Fields{"amount": tx.Amount.StringFixed(2), "balance": balance.StringFixed(2), "resumed": resumed}))
	return &Result{Outcome: Settled, TransactionID: tx.ID, NewBalance: balance, Resumed: resumed}, nil
}

func storeError(op string, err error) error {
	if database.IsUnavailable(err) {
		return &StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func metadata(a *gateway.PaymentAssertion) datatypes.JSON {
	if len(a.RawPayload) == 0 {
		return nil
	}
	return datatypes.JSON(a.RawPayload)
}

func assertionFields(a *gateway.PaymentAssertion) logger.Fields {
	return logger.Fields{
		logger.GatewayKey: a.Gateway,
		logger.PaymentKey: a.GatewayPaymentID,
		logger.OrderKey:   a.OrderID,
		"verification":    a.VerificationMethod,
	}
}
