package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-numbers-wallet/internal/gateway"
	"github.com/zjoart/go-numbers-wallet/internal/ledger"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

const (
	defaultBatchSize     = 100
	defaultSweepInterval = 5 * time.Minute
)

type SweepReport struct {
	Repaired     int `json:"repaired"`
	RepairFailed int `json:"repair_failed"`
	Checked      int `json:"checked"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// Sweeper periodically finishes interrupted credits and resolves pending
// transactions whose callbacks never arrived.
type Sweeper struct {
	Engine   *Engine
	Ledger   ledger.Repository
	Gateways *gateway.Registry
	Alerts   Alerter

	Interval   time.Duration
	StaleAfter time.Duration
	// UncreditedGrace keeps the sweep away from settlements still in flight.
	UncreditedGrace time.Duration
	BatchSize       int

	mu  sync.Mutex
	now func() time.Time
}

func NewSweeper(engine *Engine, ledgerRepo ledger.Repository, gateways *gateway.Registry, alerts Alerter, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		Engine:          engine,
		Ledger:          ledgerRepo,
		Gateways:        gateways,
		Alerts:          alerts,
		Interval:        interval,
		StaleAfter:      staleAfter,
		UncreditedGrace: time.Minute,
		BatchSize:       defaultBatchSize,
		now:             time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger.Info("Starting reconciliation sweeper...", logger.Fields{"interval": interval.String()})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Reconciliation sweeper stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce runs both passes. Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report SweepReport
	if err := s.RepairUncredited(ctx, &report); err != nil {
		logger.Error("Sweep: failed to load uncredited transactions", logger.WithError(err))
		report.Errors++
	}
	if err := s.CheckStalePending(ctx, &report); err != nil {
		logger.Error("Sweep: failed to load stale pending transactions", logger.WithError(err))
		report.Errors++
	}

	logger.Info("Sweep finished", logger.Fields{
		"repaired":      report.Repaired,
		"repair_failed": report.RepairFailed,
		"settled":       report.Settled,
		"failed":        report.Failed,
		"still_pending": report.StillPending,
	})
	return report
}

// Uncredited lists completed transactions whose wallet credit has not applied.
func (s *Sweeper) Uncredited(ctx context.Context) ([]ledger.Transaction, error) {
	return s.Ledger.FindUncredited(ctx, s.clock().Add(-s.UncreditedGrace), s.batch())
}

func (s *Sweeper) RepairUncredited(ctx context.Context, report *SweepReport) error {
	txs, err := s.Uncredited(ctx)
	if err != nil {
		return err
	}

	for i := range txs {
		tx := txs[i]
		if _, err := s.Engine.ResumeCredit(ctx, &tx); err != nil {
			report.RepairFailed++
			logger.Error("Sweep: credit still pending", logger.Merge(logger.WithError(err), logger.Fields{logger.TxKey: tx.ID.String()}))
			continue
		}
		report.Repaired++
	}
	return nil
}

// CheckStalePending asks the gateway about pending transactions older than
// StaleAfter. Gateways that cannot be queried by order reference are skipped.
func (s *Sweeper) CheckStalePending(ctx context.Context, report *SweepReport) error {
	txs, err := s.Ledger.FindStalePending(ctx, s.clock().Add(-s.StaleAfter), s.batch())
	if err != nil {
		return err
	}

	for i := range txs {
		tx := txs[i]
		report.Checked++
		fields := logger.Fields{logger.TxKey: tx.ID.String(), logger.GatewayKey: tx.Gateway, logger.OrderKey: tx.ClientReference}

		adapter, err := s.Gateways.Get(tx.Gateway)
		if err != nil {
			report.Skipped++
			continue
		}
		lookup, ok := adapter.(gateway.OrderLookup)
		if !ok {
			report.Skipped++
			continue
		}

		a, err := lookup.FetchByOrder(ctx, tx.ClientReference)
		if err != nil {
			if errors.Is(err, gateway.ErrPaymentNotFound) {
				report.StillPending++
				continue
			}
			report.Errors++
			logger.Warn("Sweep: gateway lookup failed", logger.Merge(fields, logger.WithError(err)))
			continue
		}

		switch a.Status {
		case gateway.StatusPaid:
			if a.UserID == uuid.Nil {
				a.UserID = tx.UserID
			}
			res, err := s.Engine.Reconcile(ctx, a)
			if err != nil {
				report.Errors++
				if notify(ctx, s.Alerts, a, err) {
					continue
				}
				logger.Error("Sweep: failed to settle paid transaction", logger.Merge(fields, logger.WithError(err)))
				continue
			}
			if res.Outcome == Settled {
				report.Settled++
			}
		case gateway.StatusFailed:
			reason := fmt.Sprintf("gateway reported %s", a.ProviderStatus)
			if err := s.Engine.Fail(ctx, tx.ID, reason); err != nil {
				report.Errors++
				logger.Error("Sweep: failed to close transaction", logger.Merge(fields, logger.WithError(err)))
				continue
			}
			report.Failed++
		default:
			report.StillPending++
		}
	}
	return nil
}

func (s *Sweeper) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Sweeper) batch() int {
	if s.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.BatchSize
}
