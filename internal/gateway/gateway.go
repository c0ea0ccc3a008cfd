// Package gateway defines the contract every payment provider adapter meets:
// turning provider callbacks and lookups into a normalized PaymentAssertion.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const SettlementCurrency = "USD"

type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

type VerificationMethod string

const (
	VerifiedBySignature VerificationMethod = "signature"
	VerifiedByLookup    VerificationMethod = "api_lookup"
	VerifiedByLedger    VerificationMethod = "ledger"
)

// PaymentAssertion is the adapter's normalized claim that a payment reached a
// status. Nothing provider-specific is read past this type.
type PaymentAssertion struct {
	Gateway            string             `json:"gateway"`
	GatewayPaymentID   string             `json:"gateway_payment_id"`
	OrderID            string             `json:"order_id"`
	UserID             uuid.UUID          `json:"user_id,omitempty"`
	AmountUSD          decimal.Decimal    `json:"amount_usd"`
	Currency           string             `json:"currency"`
	Status             Status             `json:"status"`
	ProviderStatus     string             `json:"provider_status"`
	Verified           bool               `json:"verified"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	RawPayload         json.RawMessage    `json:"raw_payload,omitempty"`
}

func (a *PaymentAssertion) IsPaid() bool {
	return a.Status == StatusPaid
}

type CallbackRequest struct {
	Header http.Header
	Body   []byte
}

type CreatePaymentRequest struct {
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	ReturnURL     string
	CallbackURL   string
	CustomerEmail string
}

type CreatedPayment struct {
	PaymentURL string `json:"payment_url"`
	// GatewayPaymentID is empty for providers that only assign an id once
	// the customer pays.
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
}

type Adapter interface {
	Name() string
	// VerifyCallback authenticates an inbound notification and normalizes it.
	// It returns *AuthenticationError when the request is not from the provider.
	VerifyCallback(ctx context.Context, req *CallbackRequest) (*PaymentAssertion, error)
	// FetchStatus asks the provider for the authoritative state of a payment.
	FetchStatus(ctx context.Context, gatewayPaymentID string) (*PaymentAssertion, error)
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatedPayment, error)
}

// OrderLookup is implemented by providers that can be queried by our own order
// reference, which is all a stale pending transaction knows.
type OrderLookup interface {
	FetchByOrder(ctx context.Context, orderID string) (*PaymentAssertion, error)
}
