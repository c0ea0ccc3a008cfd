package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/internal/wallet"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
)

// memLedger mirrors the guarantees of the SQL repository: the gateway
// reference is unique and the completing write is conditional on PENDING.
type memLedger struct {
	mu  sync.Mutex
	txs map[uuid.UUID]*ledger.Transaction
	err error
}

func newMemLedger() *memLedger {
	return &memLedger{txs: make(map[uuid.UUID]*ledger.Transaction)}
}

func (m *memLedger) add(tx ledger.Transaction) *ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = ledger.TransactionPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	m.txs[tx.ID] = &tx
	return &tx
}

func (m *memLedger) get(id uuid.UUID) ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.txs[id]
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *memLedger) Create(ctx context.Context, tx *ledger.Transaction) error {
	if m.err != nil {
		return m.err
	}
	*tx = *m.add(*tx)
	return nil
}

func (m *memLedger) GetByID(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *tx
	return &c, nil
}

func (m *memLedger) FindPending(ctx context.Context, clientRef string, userID uuid.UUID) (*ledger.Transaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ClientReference == clientRef && tx.Status == ledger.TransactionPending && (userID == uuid.Nil || tx.UserID == userID) {
			c := *tx
			return &c, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memLedger) FindCompleted(ctx context.Context, gatewayRef string) (*ledger.Transaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.GatewayRef() == gatewayRef && tx.Status == ledger.TransactionCompleted {
			c := *tx
			return &c, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memLedger) claimedLocked(ref string) bool {
	for _, tx := range m.txs {
		if tx.GatewayRef() == ref {
			return true
		}
	}
	return false
}

func (m *memLedger) Complete(ctx context.Context, id uuid.UUID, c ledger.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimedLocked(c.GatewayReference) {
		return ledger.ErrAlreadyClaimed
	}
	tx, ok := m.txs[id]
	if !ok || tx.Status != ledger.TransactionPending {
		return ledger.ErrNotPending
	}
	ref := c.GatewayReference
	now := time.Now()
	tx.Status = ledger.TransactionCompleted
	tx.GatewayReference = &ref
	tx.Amount = c.Amount
	tx.CompletedAt = &now
	return nil
}

func (m *memLedger) CreateCompleted(ctx context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimedLocked(tx.GatewayRef()) {
		return ledger.ErrAlreadyClaimed
	}
	now := time.Now()
	tx.ID = uuid.New()
	tx.Status = ledger.TransactionCompleted
	tx.CompletedAt = &now
	tx.CreatedAt = now
	c := *tx
	m.txs[c.ID] = &c
	return nil
}

func (m *memLedger) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || tx.Status != ledger.TransactionPending {
		return ledger.ErrNotPending
	}
	tx.Status = ledger.TransactionFailed
	tx.FailureReason = reason
	return nil
}

func (m *memLedger) MarkCredited(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[id]; ok && tx.Status == ledger.TransactionCompleted {
		now := time.Now()
		tx.Credited = true
		tx.CreditedAt = &now
	}
	return nil
}

func (m *memLedger) FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.Status == ledger.TransactionCompleted && !tx.Credited && tx.CompletedAt != nil && !tx.CompletedAt.After(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *memLedger) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.Status == ledger.TransactionPending && !tx.CreatedAt.After(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *memLedger) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *memLedger) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	txs, _ := m.ListByUser(ctx, userID, 0, 0)
	return int64(len(txs)), nil
}

// memWallet journals credits per transaction like the SQL store.
type memWallet struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	journal  map[uuid.UUID]bool
	failures int
	err      error
}

func newMemWallet() *memWallet {
	return &memWallet{balances: make(map[uuid.UUID]decimal.Decimal), journal: make(map[uuid.UUID]bool)}
}

func (w *memWallet) Credit(ctx context.Context, userID, transactionID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return decimal.Zero, w.err
	}
	if w.journal[transactionID] {
		return decimal.Zero, wallet.ErrAlreadyCredited
	}
	w.journal[transactionID] = true
	w.balances[userID] = w.balances[userID].Add(amount)
	return w.balances[userID], nil
}

func (w *memWallet) GetBalance(ctx context.Context, userID uuid.UUID) (*wallet.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &wallet.Balance{UserID: userID, Balance: w.balances[userID], Currency: wallet.Currency}, nil
}

func (w *memWallet) balance(userID uuid.UUID) decimal.Decimal {
	b, _ := w.GetBalance(context.Background(), userID)
	return b.Balance
}

type memAlerts struct {
	mu     sync.Mutex
	alerts []events.Alert
}

func (m *memAlerts) PushAlert(ctx context.Context, alert events.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *memAlerts) kinds() []events.AlertKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.AlertKind
	for _, a := range m.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type mockAdapter struct {
	mock.Mock
	name string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) VerifyCallback(ctx context.Context, req *gateway.CallbackRequest) (*gateway.PaymentAssertion, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*gateway.PaymentAssertion)
	return a, args.Error(1)
}

func (m *mockAdapter) FetchStatus(ctx context.Context, gatewayPaymentID string) (*gateway.PaymentAssertion, error) {
	args := m.Called(ctx, gatewayPaymentID)
	a, _ := args.Get(0).(*gateway.PaymentAssertion)
	return a, args.Error(1)
}

func (m *mockAdapter) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.CreatedPayment, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*gateway.CreatedPayment)
	return p, args.Error(1)
}

type mockLookupAdapter struct {
	*mockAdapter
}

func (m mockLookupAdapter) FetchByOrder(ctx context.Context, orderID string) (*gateway.PaymentAssertion, error) {
	args := m.Called(ctx, orderID)
	a, _ := args.Get(0).(*gateway.PaymentAssertion)
	return a, args.Error(1)
}

func paidAssertion(gw, paymentID, orderID, amount string) *gateway.PaymentAssertion {
	return &gateway.PaymentAssertion{
		Gateway:            gw,
		GatewayPaymentID:   paymentID,
		OrderID:            orderID,
		AmountUSD:          decimal.RequireFromString(amount),
		Currency:           gateway.SettlementCurrency,
		Status:             gateway.StatusPaid,
		ProviderStatus:     "paid",
		Verified:           true,
		VerificationMethod: gateway.VerifiedByLookup,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
