package paystack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
)

const testSecret = "sk_test_secret"

func signedRequest(t *testing.T, a *Adapter, body string) *gateway.CallbackRequest {
	t.Helper()
	h := http.Header{}
	h.Set(SignatureHeader, a.sign([]byte(body)))
	return &gateway.CallbackRequest{Header: h, Body: []byte(body)}
}

func TestVerifyCallback(t *testing.T) {
	a := New(testSecret, "", time.Second)

	body := `{"event":"charge.success","data":{"id":302961,"reference":"o1","status":"success","amount":2537,"currency":"USD"}}`
	assertion, err := a.VerifyCallback(context.Background(), signedRequest(t, a, body))
	require.NoError(t, err)

	assert.Equal(t, "302961", assertion.GatewayPaymentID)
	assert.Equal(t, "o1", assertion.OrderID)
	assert.True(t, assertion.AmountUSD.Equal(decimal.RequireFromString("25.37")))
	assert.Equal(t, gateway.StatusPaid, assertion.Status)
	assert.True(t, assertion.Verified)
	assert.Equal(t, gateway.VerifiedBySignature, assertion.VerificationMethod)
}

func TestVerifyCallbackRejectsBadSignature(t *testing.T) {
	a := New(testSecret, "", time.Second)
	body := `{"event":"charge.success","data":{"id":1,"reference":"o1","status":"success","amount":100,"currency":"USD"}}`

	req := signedRequest(t, a, body)
	req.Body = []byte(`{"event":"charge.success","data":{"id":1,"reference":"o1","status":"success","amount":99999,"currency":"USD"}}`)
	_, err := a.VerifyCallback(context.Background(), req)
	assert.True(t, gateway.IsAuthenticationError(err))

	_, err = a.VerifyCallback(context.Background(), &gateway.CallbackRequest{Header: http.Header{}, Body: []byte(body)})
	assert.True(t, gateway.IsAuthenticationError(err))
}

func TestVerifyCallbackNonSuccessEventIsNotPaid(t *testing.T) {
	a := New(testSecret, "", time.Second)
	body := `{"event":"charge.dispute.create","data":{"id":1,"reference":"o1","status":"success","amount":100,"currency":"USD"}}`

	assertion, err := a.VerifyCallback(context.Background(), signedRequest(t, a, body))
	require.NoError(t, err)
	assert.False(t, assertion.IsPaid())
}

func TestFetchStatusAndByOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testSecret, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transaction/302961", "/transaction/verify/o1":
			w.Write([]byte(`{"status":true,"message":"ok","data":{"id":302961,"reference":"o1","status":"success","amount":2500,"currency":"USD"}}`))
		case "/transaction/verify/o2":
			w.Write([]byte(`{"status":true,"message":"ok","data":{"id":7,"reference":"o2","status":"abandoned","amount":2500,"currency":"USD"}}`))
		case "/transaction/verify/o3":
			w.Write([]byte(`{"status":true,"message":"ok","data":{"id":8,"reference":"o3","status":"failed","amount":2500,"currency":"USD"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(testSecret, srv.URL, time.Second)

	byID, err := a.FetchStatus(context.Background(), "302961")
	require.NoError(t, err)
	assert.Equal(t, gateway.VerifiedByLookup, byID.VerificationMethod)
	assert.True(t, byID.IsPaid())
	assert.Equal(t, "25", byID.AmountUSD.String())

	byOrder, err := a.FetchByOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, byID.GatewayPaymentID, byOrder.GatewayPaymentID)

	abandoned, err := a.FetchByOrder(context.Background(), "o2")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, abandoned.Status)

	failed, err := a.FetchByOrder(context.Background(), "o3")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusFailed, failed.Status)

	_, err = a.FetchStatus(context.Background(), "404")
	assert.ErrorIs(t, err, gateway.ErrPaymentNotFound)
}

func TestCreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, float64(2537), payload["amount"])
		assert.Equal(t, "dep-1", payload["reference"])
		assert.Equal(t, "USD", payload["currency"])
		w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/x","reference":"dep-1"}}`))
	}))
	defer srv.Close()

	a := New(testSecret, srv.URL, time.Second)
	created, err := a.CreatePayment(context.Background(), gateway.CreatePaymentRequest{
		OrderID:       "dep-1",
		Amount:        decimal.RequireFromString("25.37"),
		Currency:      "USD",
		CustomerEmail: "user@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/x", created.PaymentURL)
	assert.Empty(t, created.GatewayPaymentID)
}
