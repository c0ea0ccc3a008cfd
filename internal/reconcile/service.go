package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/pkg/events"
	"github.com/zjoart/go-numbers-wallet/pkg/id"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

type Alerter interface {
	PushAlert(ctx context.Context, alert events.Alert) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, event events.ReconcileEvent) error
}

// Service is the single entry point for inbound callbacks and manual status
// checks. Both end in Engine.Reconcile.
type Service struct {
	Engine   *Engine
	Gateways *gateway.Registry
	Ledger   ledger.Repository
	Alerts   Alerter
	Queue    Publisher
}

func NewService(engine *Engine, gateways *gateway.Registry, ledgerRepo ledger.Repository, alerts Alerter, queue Publisher) *Service {
	return &Service{Engine: engine, Gateways: gateways, Ledger: ledgerRepo, Alerts: alerts, Queue: queue}
}

// HandleCallback authenticates a provider notification and reconciles it. A
// paid callback from a gateway whose signatures are not trusted is replaced by
// an authoritative status lookup before anything is written.
func (s *Service) HandleCallback(ctx context.Context, gw string, req *gateway.CallbackRequest) (*Result, error) {
	adapter, err := s.Gateways.Get(gw)
	if err != nil {
		return nil, err
	}

	a, err := adapter.VerifyCallback(ctx, req)
	if err != nil {
		if gateway.IsAuthenticationError(err) {
			logger.Warn("Rejected gateway callback", logger.Merge(logger.WithError(err), logger.Fields{logger.GatewayKey: gw, "security_review": true}))
		}
		return nil, err
	}

	if a.IsPaid() && a.VerificationMethod == gateway.VerifiedBySignature && !s.Engine.Policy(gw).TrustSignature {
		confirmed, err := adapter.FetchStatus(ctx, a.GatewayPaymentID)
		if err != nil {
			return nil, fmt.Errorf("confirm %s payment %s: %w", gw, a.GatewayPaymentID, err)
		}
		if confirmed.OrderID == "" {
			confirmed.OrderID = a.OrderID
		}
		if a.OrderID != "" && confirmed.OrderID != a.OrderID {
			logger.Warn("Callback order does not match gateway record", logger.Fields{
				logger.GatewayKey: gw, logger.PaymentKey: a.GatewayPaymentID, logger.OrderKey: a.OrderID,
				"gateway_order_id": confirmed.OrderID, "security_review": true,
			})
			return nil, &gateway.AuthenticationError{Gateway: gw, Reason: "callback order does not match payment"}
		}
		a = confirmed
	}

	res, err := s.Engine.Reconcile(ctx, a)
	return s.finish(ctx, a, res, err, true)
}

// HandlePoll asks the gateway for a payment's status on behalf of a user and
// reconciles it. claimedUser may be uuid.Nil for operator initiated checks.
func (s *Service) HandlePoll(ctx context.Context, gw, gatewayPaymentID string, claimedUser uuid.UUID) (*Result, error) {
	return s.poll(ctx, gw, claimedUser, func(adapter gateway.Adapter) (*gateway.PaymentAssertion, error) {
		return adapter.FetchStatus(ctx, gatewayPaymentID)
	})
}

// HandleOrderPoll is HandlePoll for callers that only know the order
// reference, which is all a user has before some gateways assign an id.
func (s *Service) HandleOrderPoll(ctx context.Context, gw, orderID string, claimedUser uuid.UUID) (*Result, error) {
	return s.poll(ctx, gw, claimedUser, func(adapter gateway.Adapter) (*gateway.PaymentAssertion, error) {
		lookup, ok := adapter.(gateway.OrderLookup)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLookupUnsupported, gw)
		}
		return lookup.FetchByOrder(ctx, orderID)
	})
}

func (s *Service) poll(ctx context.Context, gw string, claimedUser uuid.UUID, fetch func(gateway.Adapter) (*gateway.PaymentAssertion, error)) (*Result, error) {
	adapter, err := s.Gateways.Get(gw)
	if err != nil {
		return nil, err
	}

	a, err := fetch(adapter)
	if err != nil {
		return nil, err
	}

	// the caller's id only gates access; ownership comes from the ledger or
	// the order reference, never from who asked
	if claimedUser != uuid.Nil {
		if err := s.checkOwner(ctx, a, claimedUser); err != nil {
			return nil, err
		}
	}

	res, err := s.Engine.Reconcile(ctx, a)
	return s.finish(ctx, a, res, err, false)
}

// checkOwner rejects a poll whose payment is tied to a different user than
// the caller, by assertion, by ledger row or by order reference.
func (s *Service) checkOwner(ctx context.Context, a *gateway.PaymentAssertion, claimed uuid.UUID) error {
	if a.UserID != uuid.Nil && a.UserID != claimed {
		return ErrNotOwner
	}

	if existing, err := s.Ledger.FindCompleted(ctx, a.GatewayPaymentID); err == nil {
		if existing.UserID != claimed {
			return ErrNotOwner
		}
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return storeError("find completed transaction", err)
	}

	if a.OrderID == "" {
		return nil
	}
	if pending, err := s.Ledger.FindPending(ctx, a.OrderID, uuid.Nil); err == nil {
		if pending.UserID != claimed {
			return ErrNotOwner
		}
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return storeError("find pending transaction", err)
	}

	if owner, err := id.UserFromDepositReference(a.OrderID); err == nil && owner != claimed {
		return ErrNotOwner
	}
	return nil
}

func (s *Service) finish(ctx context.Context, a *gateway.PaymentAssertion, res *Result, err error, enqueue bool) (*Result, error) {
	if err == nil {
		return res, nil
	}
	if notify(ctx, s.Alerts, a, err) {
		return nil, err
	}

	if errors.Is(err, ErrStoreUnavailable) && enqueue && s.Queue != nil {
		fields := assertionFields(a)
		payload, marshalErr := json.Marshal(a)
		if marshalErr != nil {
			return nil, err
		}
		event := events.ReconcileEvent{Gateway: a.Gateway, GatewayPaymentID: a.GatewayPaymentID, Assertion: payload}
		if pubErr := s.Queue.PublishEvent(ctx, event); pubErr != nil {
			logger.Error("Failed to queue payment for retry", logger.Merge(fields, logger.WithError(pubErr)))
			return nil, err
		}
		logger.Warn("Store unavailable, payment queued for retry", logger.Merge(fields, logger.WithError(err)))
		return &Result{Outcome: Queued}, nil
	}

	return nil, err
}
