package rates

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
	"github.com/zjoart/go-numbers-wallet/pkg/utils"
)

type Handler struct {
	Provider        Provider
	DisplayCurrency string
	MarkupPercent   decimal.Decimal
}

func NewHandler(provider Provider, displayCurrency string, markup decimal.Decimal) *Handler {
	return &Handler{Provider: provider, DisplayCurrency: displayCurrency, MarkupPercent: markup}
}

func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	base := strings.ToUpper(r.URL.Query().Get("base"))
	if base == "" {
		base = "USD"
	}
	target := strings.ToUpper(r.URL.Query().Get("target"))
	if target == "" {
		target = h.DisplayCurrency
	}

	rate, err := h.Provider.GetCurrentRate(r.Context(), base, target)
	if err != nil {
		if errors.Is(err, ErrRateUnavailable) {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Rate not available", nil)
			return
		}
		logger.Error("Failed to read rate", logger.Merge(logger.WithError(err), logger.Fields{"base": base, "target": target}))
		utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Rate lookup failed", nil)
		return
	}

	data := map[string]interface{}{
		"base":           rate.Base,
		"target":         rate.Target,
		"rate":           rate.Value.String(),
		"as_of":          rate.AsOf,
		"markup_percent": h.MarkupPercent.String(),
	}

	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil || amount.IsNegative() {
			utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid amount", nil)
			return
		}
		data["amount"] = amount.StringFixed(2)
		data["display_price"] = DisplayPrice(amount, rate, h.MarkupPercent).StringFixed(2)
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Current rate", data)
}
