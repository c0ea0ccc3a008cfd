package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

type EventQueue interface {
	PopEvent(ctx context.Context, timeout time.Duration) (*events.ReconcileEvent, []byte, error)
	PushToDLQ(ctx context.Context, data []byte) error
}

// Worker drains callbacks that could not be reconciled because a store was
// unavailable.
type Worker struct {
	Engine     *Engine
	Queue      EventQueue
	Alerts     Alerter
	MaxRetries int
	Backoff    time.Duration
	PopTimeout time.Duration
}

func NewWorker(engine *Engine, queue EventQueue, alerts Alerter, maxRetries int) *Worker {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Worker{
		Engine:     engine,
		Queue:      queue,
		Alerts:     alerts,
		MaxRetries: maxRetries,
		Backoff:    time.Second,
		PopTimeout: 5 * time.Second,
	}
}

func (w *Worker) Start(ctx context.Context) {
	logger.Info("Starting reconcile worker...")
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Reconcile worker stopped")
			return
		default:
		}

		event, raw, err := w.Queue.PopEvent(ctx, w.PopTimeout)
		if err != nil {
			if errors.Is(err, events.ErrQueueEmpty) || ctx.Err() != nil {
				continue
			}
			if raw != nil {
				logger.Error("ReconcileWorker: Failed to decode event", logger.Merge(logger.WithError(err), logger.Fields{"data": string(raw)}))
				w.moveToDLQ(ctx, raw)
				continue
			}
			logger.Warn("ReconcileWorker: Failed to read queue", logger.WithError(err))
			w.sleep(ctx, w.Backoff)
			continue
		}

		w.HandleEvent(ctx, event, raw)
	}
}

// HandleEvent retries reconciliation with linear backoff. Events that still
// fail are moved to the dead letter queue.
func (w *Worker) HandleEvent(ctx context.Context, event *events.ReconcileEvent, raw []byte) {
	fields := logger.Fields{logger.GatewayKey: event.Gateway, logger.PaymentKey: event.GatewayPaymentID}

	var a gateway.PaymentAssertion
	if err := json.Unmarshal(event.Assertion, &a); err != nil {
		logger.Error("ReconcileWorker: Invalid assertion in event", logger.Merge(fields, logger.WithError(err)))
		w.deadLetter(ctx, event, raw, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= w.MaxRetries; attempt++ {
		res, err := w.Engine.Reconcile(ctx, &a)
		if err == nil {
			logger.Info("ReconcileWorker: Successfully processed event", logger.Merge(fields, logger.Fields{"outcome": res.Outcome, "attempt": event.Attempt + attempt}))
			return
		}
		lastErr = err

		// orphans need an operator; credit-pending rows are finished by the sweep
		if notify(ctx, w.Alerts, &a, err) {
			return
		}
		if !Retryable(err) {
			logger.Error("ReconcileWorker: Event cannot be processed", logger.Merge(fields, logger.WithError(err)))
			w.deadLetter(ctx, event, raw, err)
			return
		}

		logger.Warn("ReconcileWorker: Failed to process event, retrying", logger.Merge(fields, logger.Fields{
			"attempt":       attempt,
			logger.ErrorKey: err.Error(),
		}))
		if !w.sleep(ctx, time.Duration(attempt)*w.Backoff) {
			return
		}
	}

	logger.Error("ReconcileWorker: Max retries exhausted, moving to DLQ", fields)
	w.deadLetter(ctx, event, raw, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, event *events.ReconcileEvent, raw []byte, cause error) {
	w.moveToDLQ(ctx, raw)
	msg := "event moved to dead letter queue"
	if cause != nil {
		msg = cause.Error()
	}
	pushAlert(ctx, w.Alerts, events.Alert{Kind: events.AlertDeadLetter, Gateway: event.Gateway, GatewayPaymentID: event.GatewayPaymentID, Message: msg})
}

func (w *Worker) moveToDLQ(ctx context.Context, data []byte) {
	if err := w.Queue.PushToDLQ(ctx, data); err != nil {
		logger.Error("ReconcileWorker: Failed to push to DLQ", logger.WithError(err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
