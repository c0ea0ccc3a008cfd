package reconcile

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
)

type memPublisher struct {
	mu     sync.Mutex
	events []events.ReconcileEvent
}

func (m *memPublisher) PublishEvent(ctx context.Context, event events.ReconcileEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type serviceFixture struct {
	ledger  *memLedger
	wallet  *memWallet
	alerts  *memAlerts
	queue   *memPublisher
	adapter *mockAdapter
	svc     *Service
}

func newServiceFixture(policies map[string]Policy) *serviceFixture {
	f := &serviceFixture{
		ledger:  newMemLedger(),
		wallet:  newMemWallet(),
		alerts:  &memAlerts{},
		queue:   &memPublisher{},
		adapter: &mockAdapter{name: "cryptomus"},
	}
	engine := NewEngine(f.ledger, f.wallet, policies)
	f.svc = NewService(engine, gateway.NewRegistry(f.adapter), f.ledger, f.alerts, f.queue)
	return f
}

func signed(a *gateway.PaymentAssertion) *gateway.PaymentAssertion {
	a.VerificationMethod = gateway.VerifiedBySignature
	return a
}

func TestHandleCallbackEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(nil)
	userID := uuid.New()
	t1 := pending(f.ledger, userID, "cryptomus", "o1", "25.00")

	req := &gateway.CallbackRequest{Body: []byte(`{"uuid":"p1"}`)}
	f.adapter.On("VerifyCallback", mock.Anything, req).Return(signed(paidAssertion("cryptomus", "p1", "o1", "25.00")), nil)
	f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

	res, err := f.svc.HandleCallback(ctx, "cryptomus", req)
	require.NoError(t, err)
	assert.Equal(t, Settled, res.Outcome)
	assert.Equal(t, t1.ID, res.TransactionID)

	// the provider redelivers the same notification
	res, err = f.svc.HandleCallback(ctx, "cryptomus", req)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res.Outcome)

	assert.Equal(t, "25.00", f.wallet.balance(userID).StringFixed(2))
	f.adapter.AssertNumberOfCalls(t, "FetchStatus", 2)
}

func TestHandleCallbackTrustedSignatureSkipsLookup(t *testing.T) {
	f := newServiceFixture(map[string]Policy{"cryptomus": {TrustSignature: true}})
	userID := uuid.New()
	pending(f.ledger, userID, "cryptomus", "o1", "10.00")

	req := &gateway.CallbackRequest{Body: []byte(`{}`)}
	f.adapter.On("VerifyCallback", mock.Anything, req).Return(signed(paidAssertion("cryptomus", "p1", "o1", "10.00")), nil)

	res, err := f.svc.HandleCallback(context.Background(), "cryptomus", req)
	require.NoError(t, err)
	assert.Equal(t, Settled, res.Outcome)
	f.adapter.AssertNotCalled(t, "FetchStatus", mock.Anything, mock.Anything)
}

func TestHandleCallbackRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		f := newServiceFixture(nil)
		req := &gateway.CallbackRequest{Body: []byte(`{}`)}
		f.adapter.On("VerifyCallback", mock.Anything, req).Return(nil, &gateway.AuthenticationError{Gateway: "cryptomus", Reason: "signature mismatch"})

		_, err := f.svc.HandleCallback(ctx, "cryptomus", req)
		assert.True(t, gateway.IsAuthenticationError(err))
		assert.Equal(t, 0, f.ledger.count())
	})

	t.Run("lookup disagrees on order", func(t *testing.T) {
		f := newServiceFixture(nil)
		pending(f.ledger, uuid.New(), "cryptomus", "o1", "10.00")
		req := &gateway.CallbackRequest{Body: []byte(`{}`)}
		f.adapter.On("VerifyCallback", mock.Anything, req).Return(signed(paidAssertion("cryptomus", "p1", "o1", "10.00")), nil)
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o2", "10.00"), nil)

		_, err := f.svc.HandleCallback(ctx, "cryptomus", req)
		assert.True(t, gateway.IsAuthenticationError(err))
	})

	t.Run("unknown gateway", func(t *testing.T) {
		f := newServiceFixture(nil)
		_, err := f.svc.HandleCallback(ctx, "nope", &gateway.CallbackRequest{})
		assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
	})
}

func TestHandleCallbackOrphanRaisesAlert(t *testing.T) {
	f := newServiceFixture(nil)
	req := &gateway.CallbackRequest{Body: []byte(`{}`)}
	f.adapter.On("VerifyCallback", mock.Anything, req).Return(paidAssertion("cryptomus", "p7", "o7", "12.00"), nil)

	_, err := f.svc.HandleCallback(context.Background(), "cryptomus", req)
	assert.ErrorIs(t, err, ErrOrphanPayment)
	assert.Equal(t, []events.AlertKind{events.AlertOrphanPayment}, f.alerts.kinds())
	assert.Equal(t, "p7", f.alerts.alerts[0].GatewayPaymentID)
}

func TestHandleCallbackQueuesWhenStoreIsDown(t *testing.T) {
	f := newServiceFixture(nil)
	f.ledger.err = driver.ErrBadConn
	req := &gateway.CallbackRequest{Body: []byte(`{}`)}
	f.adapter.On("VerifyCallback", mock.Anything, req).Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

	res, err := f.svc.HandleCallback(context.Background(), "cryptomus", req)
	require.NoError(t, err)
	assert.Equal(t, Queued, res.Outcome)

	require.Len(t, f.queue.events, 1)
	var queued gateway.PaymentAssertion
	require.NoError(t, json.Unmarshal(f.queue.events[0].Assertion, &queued))
	assert.Equal(t, "p1", queued.GatewayPaymentID)
	assert.Equal(t, "25.00", queued.AmountUSD.StringFixed(2))
}

func TestHandlePoll(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()

	t.Run("owner confirms payment", func(t *testing.T) {
		f := newServiceFixture(nil)
		pending(f.ledger, owner, "cryptomus", "o1", "25.00")
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

		res, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", owner)
		require.NoError(t, err)
		assert.Equal(t, Settled, res.Outcome)
	})

	t.Run("other user is refused", func(t *testing.T) {
		f := newServiceFixture(nil)
		pending(f.ledger, owner, "cryptomus", "o1", "25.00")
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

		_, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", uuid.New())
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.True(t, f.wallet.balance(owner).IsZero())
	})

	t.Run("other user after settlement is refused", func(t *testing.T) {
		f := newServiceFixture(nil)
		pending(f.ledger, owner, "cryptomus", "o1", "25.00")
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

		_, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", owner)
		require.NoError(t, err)
		_, err = f.svc.HandlePoll(ctx, "cryptomus", "p1", uuid.New())
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("reference of another user", func(t *testing.T) {
		f := newServiceFixture(nil)
		ref := fmt.Sprintf("dep-%s-1", owner)
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", ref, "25.00"), nil)

		_, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", uuid.New())
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("store failure is not queued", func(t *testing.T) {
		f := newServiceFixture(nil)
		f.ledger.err = driver.ErrBadConn
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(paidAssertion("cryptomus", "p1", "o1", "25.00"), nil)

		_, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", uuid.Nil)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Empty(t, f.queue.events)
	})

	t.Run("unpaid payment", func(t *testing.T) {
		f := newServiceFixture(nil)
		a := paidAssertion("cryptomus", "p1", "o1", "25.00")
		a.Status = gateway.StatusPending
		f.adapter.On("FetchStatus", mock.Anything, "p1").Return(a, nil)

		res, err := f.svc.HandlePoll(ctx, "cryptomus", "p1", owner)
		require.NoError(t, err)
		assert.Equal(t, NotPaid, res.Outcome)
	})
}

func TestHandleOrderPoll(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()

	t.Run("gateway with order lookup", func(t *testing.T) {
		f := newServiceFixture(nil)
		lookup := mockLookupAdapter{&mockAdapter{name: "paystack"}}
		f.svc.Gateways.Register(lookup)
		pending(f.ledger, owner, "paystack", "o1", "10.00")
		lookup.On("FetchByOrder", mock.Anything, "o1").Return(paidAssertion("paystack", "4099", "o1", "10.00"), nil)

		res, err := f.svc.HandleOrderPoll(ctx, "paystack", "o1", owner)
		require.NoError(t, err)
		assert.Equal(t, Settled, res.Outcome)
		assert.Equal(t, "10.00", f.wallet.balance(owner).StringFixed(2))
	})

	t.Run("gateway without order lookup", func(t *testing.T) {
		f := newServiceFixture(nil)
		_, err := f.svc.HandleOrderPoll(ctx, "cryptomus", "o1", owner)
		assert.ErrorIs(t, err, ErrLookupUnsupported)
	})
}

func TestHandlePollOpenModeDoesNotCreditCaller(t *testing.T) {
	ctx := context.Background()
	open := map[string]Policy{"cryptomus": {OrphanMode: OrphanOpenCompleted}}

	for _, orderID := range []string{"", "shop-order-77"} {
		t.Run("order "+orderID, func(t *testing.T) {
			f := newServiceFixture(open)
			caller := uuid.New()
			f.adapter.On("FetchStatus", mock.Anything, "p9").Return(paidAssertion("cryptomus", "p9", orderID, "500.00"), nil)

			res, err := f.svc.HandlePoll(ctx, "cryptomus", "p9", caller)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrOrphanPayment)
			assert.True(t, f.wallet.balance(caller).IsZero())
			assert.Equal(t, 0, f.ledger.count())
			assert.Equal(t, []events.AlertKind{events.AlertOrphanPayment}, f.alerts.kinds())
		})
	}

	t.Run("own deposit reference", func(t *testing.T) {
		f := newServiceFixture(open)
		owner := uuid.New()
		ref := fmt.Sprintf("dep-%s-1", owner)
		f.adapter.On("FetchStatus", mock.Anything, "p9").Return(paidAssertion("cryptomus", "p9", ref, "30.00"), nil)

		res, err := f.svc.HandlePoll(ctx, "cryptomus", "p9", owner)
		require.NoError(t, err)
		assert.Equal(t, Settled, res.Outcome)
		assert.Equal(t, "30.00", f.wallet.balance(owner).StringFixed(2))
		assert.Empty(t, f.alerts.kinds())
	})
}
