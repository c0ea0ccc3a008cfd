// Package cryptomus adapts Cryptomus crypto invoices to the gateway contract.
package cryptomus

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
)

const (
	Name           = "cryptomus"
	DefaultBaseURL = "https://api.cryptomus.com"
)

var (
	signTrailing = regexp.MustCompile(`,\s*"sign"\s*:\s*"[0-9a-fA-F]*"`)
	signLeading  = regexp.MustCompile(`"sign"\s*:\s*"[0-9a-fA-F]*"\s*,?`)
)

type Adapter struct {
	merchantID string
	apiKey     string
	client     *gateway.Client
}

func New(merchantID, apiKey, baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{merchantID: merchantID, apiKey: apiKey, client: gateway.NewClient(Name, baseURL, timeout)}
}

func (a *Adapter) Name() string { return Name }

type invoice struct {
	UUID             string `json:"uuid"`
	OrderID          string `json:"order_id"`
	Amount           string `json:"amount"`
	PaymentAmountUSD string `json:"payment_amount_usd"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	PaymentStatus    string `json:"payment_status"`
	URL              string `json:"url"`
	Sign             string `json:"sign,omitempty"`
}

func (i invoice) status() string {
	if i.Status != "" {
		return i.Status
	}
	return i.PaymentStatus
}

type envelope struct {
	State   int             `json:"state"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// sign is md5(base64(body) + apiKey), the scheme used both for our API calls
// and for their webhooks.
func (a *Adapter) sign(body []byte) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + a.apiKey))
	return hex.EncodeToString(sum[:])
}

// canonicalBody removes the sign field from the raw webhook body while keeping
// the sender's key order, and escapes slashes the way the sender's encoder did.
func canonicalBody(body []byte) []byte {
	stripped := body
	if signTrailing.Match(stripped) {
		stripped = signTrailing.ReplaceAll(stripped, nil)
	} else {
		stripped = signLeading.ReplaceAll(stripped, nil)
	}
	stripped = bytes.ReplaceAll(stripped, []byte(`\/`), []byte(`/`))
	return bytes.ReplaceAll(stripped, []byte(`/`), []byte(`\/`))
}

func (a *Adapter) VerifyCallback(ctx context.Context, req *gateway.CallbackRequest) (*gateway.PaymentAssertion, error) {
	var inv invoice
	if err := json.Unmarshal(req.Body, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if inv.Sign == "" {
		return nil, &gateway.AuthenticationError{Gateway: Name, Reason: "missing signature"}
	}

	expected := a.sign(canonicalBody(req.Body))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(inv.Sign)) != 1 {
		return nil, &gateway.AuthenticationError{Gateway: Name, Reason: "signature mismatch"}
	}
	if inv.UUID == "" {
		return nil, fmt.Errorf("%w: webhook without uuid", gateway.ErrMalformed)
	}

	return toAssertion(inv, req.Body, gateway.VerifiedBySignature)
}

func (a *Adapter) FetchStatus(ctx context.Context, gatewayPaymentID string) (*gateway.PaymentAssertion, error) {
	return a.info(ctx, map[string]string{"uuid": gatewayPaymentID})
}

func (a *Adapter) FetchByOrder(ctx context.Context, orderID string) (*gateway.PaymentAssertion, error) {
	return a.info(ctx, map[string]string{"order_id": orderID})
}

func (a *Adapter) info(ctx context.Context, query map[string]string) (*gateway.PaymentAssertion, error) {
	var inv invoice
	raw, err := a.call(ctx, "/v1/payment/info", query, &inv)
	if err != nil {
		return nil, err
	}
	return toAssertion(inv, raw, gateway.VerifiedByLookup)
}

func (a *Adapter) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error) {
	payload := map[string]string{
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"order_id":     req.OrderID,
		"url_return":   req.ReturnURL,
		"url_callback": req.CallbackURL,
	}

	var inv invoice
	if _, err := a.call(ctx, "/v1/payment", payload, &inv); err != nil {
		return nil, err
	}
	return &gateway.CreatedPayment{PaymentURL: inv.URL, GatewayPaymentID: inv.UUID}, nil
}

func (a *Adapter) call(ctx context.Context, path string, payload interface{}, out *invoice) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"merchant": a.merchantID,
		"sign":     a.sign(body),
	}

	var resp envelope
	if err := a.client.Do(ctx, "POST", path, headers, body, &resp); err != nil {
		return nil, err
	}
	if resp.State != 0 || len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrPaymentNotFound, resp.Message)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	return resp.Result, nil
}

// toAssertion credits the invoice amount for USD invoices; for invoices priced
// in another currency the provider's own USD valuation is used.
func toAssertion(inv invoice, raw []byte, method gateway.VerificationMethod) (*gateway.PaymentAssertion, error) {
	amountStr, currency := inv.Amount, inv.Currency
	if currency != gateway.SettlementCurrency && inv.PaymentAmountUSD != "" {
		amountStr, currency = inv.PaymentAmountUSD, gateway.SettlementCurrency
	}

	amount := decimal.Zero
	if amountStr != "" {
		var err error
		if amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("%w: amount %q", gateway.ErrMalformed, amountStr)
		}
	}

	return &gateway.PaymentAssertion{
		Gateway:            Name,
		GatewayPaymentID:   inv.UUID,
		OrderID:            inv.OrderID,
		AmountUSD:          amount,
		Currency:           currency,
		Status:             mapStatus(inv.status()),
		ProviderStatus:     inv.status(),
		Verified:           true,
		VerificationMethod: method,
		RawPayload:         json.RawMessage(raw),
	}, nil
}

func mapStatus(s string) gateway.Status {
	switch s {
	case "paid", "paid_over":
		return gateway.StatusPaid
	case "fail", "cancel", "system_fail", "wrong_amount", "refund_process", "refund_fail", "refund_paid":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
