// Package cryptobot adapts Telegram Crypto Pay invoices to the gateway contract.
package cryptobot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
)

const (
	Name            = "cryptobot"
	DefaultBaseURL  = "https://pay.crypt.bot"
	SignatureHeader = "crypto-pay-api-signature"
	tokenHeader     = "Crypto-Pay-API-Token"
)

type Adapter struct {
	token  string
	client *gateway.Client
}

func New(token, baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{token: token, client: gateway.NewClient(Name, baseURL, timeout)}
}

func (a *Adapter) Name() string { return Name }

type invoice struct {
	InvoiceID    int64  `json:"invoice_id"`
	Status       string `json:"status"`
	CurrencyType string `json:"currency_type"`
	Asset        string `json:"asset"`
	Fiat         string `json:"fiat"`
	Amount       string `json:"amount"`
	PaidUSDRate  string `json:"paid_usd_rate"`
	Payload      string `json:"payload"`
	BotInvoice   string `json:"bot_invoice_url"`
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error,omitempty"`
}

// sign is hex(HMAC-SHA256(key=SHA256(token), body)).
func (a *Adapter) sign(body []byte) string {
	key := sha256.Sum256([]byte(a.token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) VerifyCallback(ctx context.Context, req *gateway.CallbackRequest) (*gateway.PaymentAssertion, error) {
	signature := req.Header.Get(SignatureHeader)
	if signature == "" {
		return nil, &gateway.AuthenticationError{Gateway: Name, Reason: "missing signature"}
	}
	if !hmac.Equal([]byte(signature), []byte(a.sign(req.Body))) {
		return nil, &gateway.AuthenticationError{Gateway: Name, Reason: "signature mismatch"}
	}

	var update struct {
		UpdateID   int64   `json:"update_id"`
		UpdateType string  `json:"update_type"`
		Payload    invoice `json:"payload"`
	}
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if update.Payload.InvoiceID == 0 {
		return nil, fmt.Errorf("%w: update without invoice", gateway.ErrMalformed)
	}

	assertion, err := toAssertion(update.Payload, req.Body, gateway.VerifiedBySignature)
	if err != nil {
		return nil, err
	}
	if update.UpdateType != "invoice_paid" && assertion.IsPaid() {
		assertion.Status = gateway.StatusPending
	}
	return assertion, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, gatewayPaymentID string) (*gateway.PaymentAssertion, error) {
	if _, err := strconv.ParseInt(gatewayPaymentID, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: invoice id %q", gateway.ErrPaymentNotFound, gatewayPaymentID)
	}

	var resp envelope
	path := "/api/getInvoices?invoice_ids=" + url.QueryEscape(gatewayPaymentID)
	if err := a.client.Do(ctx, "GET", path, a.authHeader(), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, a.apiError(resp)
	}

	var result struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if len(result.Items) == 0 {
		return nil, gateway.ErrPaymentNotFound
	}

	var inv invoice
	if err := json.Unmarshal(result.Items[0], &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	return toAssertion(inv, result.Items[0], gateway.VerifiedByLookup)
}

func (a *Adapter) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error) {
	payload := map[string]interface{}{
		"currency_type": "fiat",
		"fiat":          req.Currency,
		"amount":        req.Amount.StringFixed(2),
		"payload":       req.OrderID,
		"description":   req.Description,
	}
	if req.ReturnURL != "" {
		payload["paid_btn_name"] = "callback"
		payload["paid_btn_url"] = req.ReturnURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp envelope
	if err := a.client.Do(ctx, "POST", "/api/createInvoice", a.authHeader(), body, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, a.apiError(resp)
	}

	var inv invoice
	if err := json.Unmarshal(resp.Result, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	return &gateway.CreatedPayment{
		PaymentURL:       inv.BotInvoice,
		GatewayPaymentID: strconv.FormatInt(inv.InvoiceID, 10),
	}, nil
}

func (a *Adapter) authHeader() map[string]string {
	return map[string]string{tokenHeader: a.token}
}

func (a *Adapter) apiError(resp envelope) error {
	if resp.Error != nil {
		return fmt.Errorf("cryptobot: api error %d %s", resp.Error.Code, resp.Error.Name)
	}
	return fmt.Errorf("cryptobot: api returned ok=false")
}

// toAssertion values fiat USD invoices at face value and crypto invoices at the
// provider's own USD rate for the paid asset.
func toAssertion(inv invoice, raw []byte, method gateway.VerificationMethod) (*gateway.PaymentAssertion, error) {
	amount, err := decimal.NewFromString(inv.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", gateway.ErrMalformed, inv.Amount)
	}

	currency := inv.Fiat
	if inv.CurrencyType != "fiat" {
		currency = inv.Asset
		if inv.PaidUSDRate != "" {
			rate, err := decimal.NewFromString(inv.PaidUSDRate)
			if err != nil {
				return nil, fmt.Errorf("%w: paid_usd_rate %q", gateway.ErrMalformed, inv.PaidUSDRate)
			}
			amount = amount.Mul(rate).Round(2)
			currency = gateway.SettlementCurrency
		}
	}

	return &gateway.PaymentAssertion{
		Gateway:            Name,
		GatewayPaymentID:   strconv.FormatInt(inv.InvoiceID, 10),
		OrderID:            inv.Payload,
		AmountUSD:          amount,
		Currency:           currency,
		Status:             mapStatus(inv.Status),
		ProviderStatus:     inv.Status,
		Verified:           true,
		VerificationMethod: method,
		RawPayload:         json.RawMessage(raw),
	}, nil
}

func mapStatus(s string) gateway.Status {
	switch s {
	case "paid":
		return gateway.StatusPaid
	case "expired":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
