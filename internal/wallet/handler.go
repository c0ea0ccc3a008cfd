package wallet

import (
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/internal/rates"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
	"github.com/zjoart/go-numbers-wallet/pkg/utils"
)

type Handler struct {
	Store           Store
	Ledger          ledger.Repository
	Rates           rates.Provider
	DisplayCurrency string
	MarkupPercent   decimal.Decimal
}

func NewHandler(store Store, ledgerRepo ledger.Repository, rateProvider rates.Provider, displayCurrency string, markup decimal.Decimal) *Handler {
	return &Handler{
		Store:           store,
		Ledger:          ledgerRepo,
		Rates:           rateProvider,
		DisplayCurrency: displayCurrency,
		MarkupPercent:   markup,
	}
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	balance, err := h.Store.GetBalance(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to read balance", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID.String()}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to read balance", nil)
		return
	}

	data := map[string]interface{}{
		"balance":  balance.Balance.StringFixed(2),
		"currency": balance.Currency,
	}

	// display value is informational; a missing rate does not fail the request
	if h.Rates != nil && h.DisplayCurrency != "" && h.DisplayCurrency != balance.Currency {
		rate, err := h.Rates.GetCurrentRate(r.Context(), balance.Currency, h.DisplayCurrency)
		if err != nil {
			logger.Warn("Display rate unavailable", logger.Merge(logger.WithError(err), logger.Fields{"target": h.DisplayCurrency}))
		} else {
			data["display_currency"] = h.DisplayCurrency
			data["display_balance"] = rates.DisplayPrice(balance.Balance, rate, h.MarkupPercent).StringFixed(2)
			data["rate_as_of"] = rate.AsOf
		}
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet balance", data)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	page := utils.GetPage(r)

	txs, err := h.Ledger.ListByUser(r.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		logger.Error("Failed to list transactions", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID.String()}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch transactions", nil)
		return
	}

	total, err := h.Ledger.CountByUser(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to count transactions", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID.String()}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch transactions", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Transactions retrieved", map[string]interface{}{
		"transactions": txs,
		"pagination":   page.Meta(total),
	})
}
