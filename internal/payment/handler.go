package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/internal/reconcile"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
	"github.com/zjoart/go-numbers-wallet/pkg/id"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
	"github.com/zjoart/go-numbers-wallet/pkg/utils"
)

type AlertReader interface {
	ListAlerts(ctx context.Context, limit int64) ([]events.Alert, error)
}

type Handler struct {
	Service    *reconcile.Service
	Sweeper    *reconcile.Sweeper
	Ledger     ledger.Repository
	Alerts     AlertReader
	MinDeposit decimal.Decimal
	// PublicURL is the externally reachable base used for gateway callbacks.
	PublicURL string
}

func NewHandler(service *reconcile.Service, sweeper *reconcile.Sweeper, ledgerRepo ledger.Repository, alerts AlertReader, minDeposit decimal.Decimal, publicURL string) *Handler {
	return &Handler{
		Service:    service,
		Sweeper:    sweeper,
		Ledger:     ledgerRepo,
		Alerts:     alerts,
		MinDeposit: minDeposit,
		PublicURL:  strings.TrimRight(publicURL, "/"),
	}
}

type DepositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Email     string          `json:"email,omitempty"`
	ReturnURL string          `json:"return_url,omitempty"`
}

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}
	gw := mux.Vars(r)["gateway"]

	var req DepositRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}

	if req.Amount.LessThan(h.MinDeposit) {
		utils.BuildErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid amount, can't be less than %s USD", h.MinDeposit.StringFixed(2)), nil)
		return
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid amount, at most 2 decimal places", nil)
		return
	}

	adapter, err := h.Service.Gateways.Get(gw)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusNotFound, "Unknown gateway", nil)
		return
	}

	reference := id.DepositReference(userID, time.Now())
	fields := logger.Fields{logger.UserIdKey: userID.String(), logger.GatewayKey: gw, logger.OrderKey: reference}

	tx := ledger.Transaction{
		UserID:          userID,
		Type:            ledger.TransactionDeposit,
		Gateway:         gw,
		Amount:          req.Amount,
		Currency:        gateway.SettlementCurrency,
		Status:          ledger.TransactionPending,
		ClientReference: reference,
		Description:     fmt.Sprintf("Wallet Deposit via %s", gw),
	}
	if err := h.Ledger.Create(r.Context(), &tx); err != nil {
		logger.Error("Failed to register transaction", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to register transaction", nil)
		return
	}

	created, err := adapter.CreatePayment(r.Context(), gateway.CreatePaymentRequest{
		OrderID:       reference,
		Amount:        req.Amount,
		Currency:      gateway.SettlementCurrency,
		Description:   tx.Description,
		ReturnURL:     req.ReturnURL,
		CallbackURL:   fmt.Sprintf("%s/api/payments/%s/webhook", h.PublicURL, gw),
		CustomerEmail: req.Email,
	})
	if err != nil {
		logger.Error("Gateway payment creation failed", logger.Merge(fields, logger.WithError(err)))
		// use a fresh context so a dropped client still leaves the row closed
		if failErr := h.Service.Engine.Fail(context.Background(), tx.ID, "payment creation failed"); failErr != nil {
			logger.Error("Failed to close transaction", logger.Merge(fields, logger.WithError(failErr)))
		}
		if errors.Is(err, gateway.ErrMalformed) {
			utils.BuildErrorResponse(w, http.StatusBadRequest, "Payment request rejected", map[string]string{"error": err.Error()})
			return
		}
		utils.BuildErrorResponse(w, http.StatusBadGateway, "Gateway error", nil)
		return
	}

	logger.Info("Deposit initialized", logger.Merge(fields, logger.Fields{logger.TxKey: tx.ID.String(), "amount": req.Amount.StringFixed(2)}))
	utils.BuildSuccessResponse(w, http.StatusCreated, "Deposit initialized", map[string]interface{}{
		"transaction_id":     tx.ID,
		"reference":          reference,
		"payment_url":        created.PaymentURL,
		"gateway_payment_id": created.GatewayPaymentID,
		"amount":             req.Amount.StringFixed(2),
		"currency":           gateway.SettlementCurrency,
	})
}

// Webhook always answers a gateway quickly. Anything that needs a human is
// alerted, not bounced back to the sender.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	gw := mux.Vars(r)["gateway"]

	body, err := utils.ReadRawBody(w, r)
	if err != nil {
		logger.Error("Webhook: Failed to read body", logger.Fields{logger.GatewayKey: gw, "error": err.Error()})
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid body", nil)
		return
	}

	res, err := h.Service.HandleCallback(r.Context(), gw, &gateway.CallbackRequest{Header: r.Header, Body: body})
	if err != nil {
		var creditErr *reconcile.CreditPendingError
		switch {
		case errors.Is(err, gateway.ErrUnknownGateway):
			utils.BuildErrorResponse(w, http.StatusNotFound, "Unknown gateway", nil)
		case gateway.IsAuthenticationError(err), errors.Is(err, reconcile.ErrUnverifiedAssertion):
			utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid signature", nil)
		case errors.Is(err, reconcile.ErrOrphanPayment):
			utils.BuildSuccessResponse(w, http.StatusOK, "Payment received, pending review", nil)
		case errors.As(err, &creditErr):
			utils.BuildSuccessResponse(w, http.StatusAccepted, "Payment recorded, credit pending", nil)
		case errors.Is(err, gateway.ErrMalformed), errors.Is(err, reconcile.ErrCurrencyMismatch), errors.Is(err, reconcile.ErrInvalidAmount):
			logger.Warn("Webhook: Unprocessable payload", logger.Merge(logger.WithError(err), logger.Fields{logger.GatewayKey: gw}))
			utils.BuildErrorResponse(w, http.StatusBadRequest, "Unprocessable payload", nil)
		case errors.Is(err, reconcile.ErrStoreUnavailable):
			utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Temporarily unavailable", nil)
		default:
			logger.Error("Webhook: Failed to process callback", logger.Merge(logger.WithError(err), logger.Fields{logger.GatewayKey: gw}))
			utils.BuildErrorResponse(w, http.StatusBadGateway, "Failed to process callback", nil)
		}
		return
	}

	if res.Outcome == reconcile.Queued {
		utils.BuildSuccessResponse(w, http.StatusAccepted, "Webhook queued", nil)
		return
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Webhook processed", res)
}

type ConfirmRequest struct {
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	Reference        string `json:"reference,omitempty"`
}

// Confirm lets a user ask for a status check when a callback is late.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}
	gw := mux.Vars(r)["gateway"]

	var req ConfirmRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}

	var (
		res *reconcile.Result
		err error
	)
	switch {
	case req.GatewayPaymentID != "":
		res, err = h.Service.HandlePoll(r.Context(), gw, req.GatewayPaymentID, userID)
	case req.Reference != "":
		res, err = h.Service.HandleOrderPoll(r.Context(), gw, req.Reference, userID)
	default:
		utils.BuildErrorResponse(w, http.StatusBadRequest, "gateway_payment_id or reference is required", nil)
		return
	}

	if err != nil {
		h.confirmError(w, gw, err)
		return
	}

	message := "Payment confirmed"
	switch res.Outcome {
	case reconcile.AlreadyProcessed:
		message = "Payment already processed"
	case reconcile.NotPaid:
		message = "Payment not completed yet"
	}
	utils.BuildSuccessResponse(w, http.StatusOK, message, res)
}

func (h *Handler) confirmError(w http.ResponseWriter, gw string, err error) {
	var creditErr *reconcile.CreditPendingError
	switch {
	case errors.Is(err, gateway.ErrUnknownGateway):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Unknown gateway", nil)
	case errors.Is(err, gateway.ErrPaymentNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Payment not found", nil)
	case errors.Is(err, reconcile.ErrNotOwner):
		utils.BuildErrorResponse(w, http.StatusForbidden, "Payment belongs to another user", nil)
	case errors.Is(err, reconcile.ErrLookupUnsupported):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "This gateway needs gateway_payment_id", nil)
	case errors.Is(err, reconcile.ErrOrphanPayment):
		utils.BuildErrorResponse(w, http.StatusConflict, "No matching deposit, payment sent for review", nil)
	case errors.As(err, &creditErr):
		utils.BuildSuccessResponse(w, http.StatusAccepted, "Payment recorded, credit pending", map[string]interface{}{"transaction_id": creditErr.TransactionID})
	case errors.Is(err, reconcile.ErrStoreUnavailable):
		utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Temporarily unavailable, try again", nil)
	case errors.Is(err, gateway.ErrMalformed), errors.Is(err, reconcile.ErrCurrencyMismatch), errors.Is(err, reconcile.ErrInvalidAmount):
		utils.BuildErrorResponse(w, http.StatusUnprocessableEntity, "Payment cannot be applied", map[string]string{"error": err.Error()})
	default:
		logger.Error("Confirm: Failed to check payment", logger.Merge(logger.WithError(err), logger.Fields{logger.GatewayKey: gw}))
		utils.BuildErrorResponse(w, http.StatusBadGateway, "Failed to check payment", nil)
	}
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	txID, err := id.IsValidUUID(mux.Vars(r)["id"])
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid transaction id", nil)
		return
	}

	tx, err := h.Ledger.GetByID(r.Context(), txID)
	if err != nil || tx.UserID != userID {
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			logger.Error("Failed to load transaction", logger.Merge(logger.WithError(err), logger.Fields{logger.TxKey: txID.String()}))
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to load transaction", nil)
			return
		}
		utils.BuildErrorResponse(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Transaction retrieved", tx)
}

func (h *Handler) Uncredited(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Sweeper.Uncredited(r.Context())
	if err != nil {
		logger.Error("Failed to list uncredited transactions", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to list transactions", nil)
		return
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Uncredited transactions", map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report := h.Sweeper.RunOnce(r.Context())
	utils.BuildSuccessResponse(w, http.StatusOK, "Sweep finished", report)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if val, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && val > 0 && val <= 500 {
		limit = val
	}

	alerts, err := h.Alerts.ListAlerts(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to read alerts", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to read alerts", nil)
		return
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Reconciliation alerts", alerts)
}
