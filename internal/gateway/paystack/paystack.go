// Package paystack adapts Paystack charges (fiat card/bank rails) to the
// gateway contract.
package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
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
	Name            = "paystack"
	DefaultBaseURL  = "https://api.paystack.co"
	SignatureHeader = "x-paystack-signature"
)

type Adapter struct {
	secret string
	client *gateway.Client
}

func New(secret, baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{secret: secret, client: gateway.NewClient(Name, baseURL, timeout)}
}

func (a *Adapter) Name() string { return Name }

type charge struct {
	ID        int64  `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *Adapter) sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(a.secret))
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

	var event struct {
		Event string `json:"event"`
		Data  charge `json:"data"`
	}
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if event.Data.ID == 0 || event.Data.Reference == "" {
		return nil, fmt.Errorf("%w: charge without id or reference", gateway.ErrMalformed)
	}

	assertion := toAssertion(event.Data, req.Body, gateway.VerifiedBySignature)
	// a charge.failed event may carry a stale data.status; the event wins
	if event.Event != "charge.success" && assertion.Status == gateway.StatusPaid {
		assertion.Status = gateway.StatusPending
	}
	return assertion, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, gatewayPaymentID string) (*gateway.PaymentAssertion, error) {
	return a.fetch(ctx, "/transaction/"+url.PathEscape(gatewayPaymentID))
}

// FetchByOrder uses the verify endpoint, which is keyed by our reference.
func (a *Adapter) FetchByOrder(ctx context.Context, orderID string) (*gateway.PaymentAssertion, error) {
	return a.fetch(ctx, "/transaction/verify/"+url.PathEscape(orderID))
}

func (a *Adapter) fetch(ctx context.Context, path string) (*gateway.PaymentAssertion, error) {
	var resp envelope
	if err := a.client.Do(ctx, "GET", path, a.authHeader(), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s", gateway.ErrPaymentNotFound, resp.Message)
	}

	var data charge
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	return toAssertion(data, resp.Data, gateway.VerifiedByLookup), nil
}

func (a *Adapter) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error) {
	if req.CustomerEmail == "" {
		return nil, fmt.Errorf("%w: paystack requires a customer email", gateway.ErrMalformed)
	}
	payload := map[string]interface{}{
		"email":        req.CustomerEmail,
		"amount":       req.Amount.Shift(2).Round(0).IntPart(),
		"reference":    req.OrderID,
		"currency":     req.Currency,
		"callback_url": req.ReturnURL,
		"metadata":     map[string]interface{}{"order_id": req.OrderID, "description": req.Description},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if err := a.client.Do(ctx, "POST", "/transaction/initialize", a.authHeader(), body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack initialization failed: %s", resp.Message)
	}

	// paystack assigns the numeric charge id only once the customer pays
	return &gateway.CreatedPayment{PaymentURL: resp.Data.AuthorizationURL}, nil
}

func (a *Adapter) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.secret}
}

func toAssertion(c charge, raw []byte, method gateway.VerificationMethod) *gateway.PaymentAssertion {
	return &gateway.PaymentAssertion{
		Gateway:            Name,
		GatewayPaymentID:   strconv.FormatInt(c.ID, 10),
		OrderID:            c.Reference,
		AmountUSD:          decimal.New(c.Amount, -2),
		Currency:           c.Currency,
		Status:             mapStatus(c.Status),
		ProviderStatus:     c.Status,
		Verified:           true,
		VerificationMethod: method,
		RawPayload:         json.RawMessage(raw),
	}
}

func mapStatus(s string) gateway.Status {
	switch s {
	case "success":
		return gateway.StatusPaid
	case "failed", "reversed":
		return gateway.StatusFailed
	case "abandoned":
		// checkout not finished yet; the customer can still pay
		return gateway.StatusPending
	default:
		return gateway.StatusPending
	}
}
