package reconcile

import (
	"context"
	"errors"

	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

// notify pushes an operator alert for outcomes nothing resolves on its own.
// It reports whether err was one of them.
func notify(ctx context.Context, alerts Alerter, a *gateway.PaymentAssertion, err error) bool {
	var orphanErr *OrphanPaymentError
	var creditErr *CreditPendingError

	var alert events.Alert
	switch {
	case errors.As(err, &orphanErr):
		logger.Error("Orphan payment needs operator review", logger.Merge(assertionFields(a), logger.WithError(err)))
		alert = events.Alert{
			Kind:             events.AlertOrphanPayment,
			Gateway:          a.Gateway,
			GatewayPaymentID: a.GatewayPaymentID,
			OrderID:          a.OrderID,
			Amount:           a.AmountUSD.StringFixed(2),
			Message:          orphanErr.Reason,
		}
	case errors.As(err, &creditErr):
		alert = events.Alert{
			Kind:             events.AlertCreditPending,
			Gateway:          a.Gateway,
			GatewayPaymentID: a.GatewayPaymentID,
			OrderID:          a.OrderID,
			TransactionID:    creditErr.TransactionID.String(),
			Amount:           a.AmountUSD.StringFixed(2),
			Message:          creditErr.Err.Error(),
		}
	default:
		return false
	}

	pushAlert(ctx, alerts, alert)
	return true
}

func pushAlert(ctx context.Context, alerts Alerter, alert events.Alert) {
	if alerts == nil {
		return
	}
	if err := alerts.PushAlert(ctx, alert); err != nil {
		logger.Error("Failed to push reconciliation alert", logger.Merge(logger.WithError(err), logger.Fields{
			"kind": alert.Kind, logger.GatewayKey: alert.Gateway, logger.PaymentKey: alert.GatewayPaymentID,
		}))
	}
}
