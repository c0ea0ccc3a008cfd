package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zjoart/go-numbers-wallet/pkg/config"
	"github.com/zjoart/go-numbers-wallet/pkg/logger"
)

const (
	ReconcileQueue = "reconcile_events"
	FailedQueue    = "failed_reconcile_events"
	AlertsList     = "reconciliation_alerts"

	maxAlerts = 10000
)

var ErrQueueEmpty = errors.New("queue empty")

type RedisClient struct {
	Client *redis.Client
}

// ReconcileEvent is a verified payment assertion waiting for a retry of
// reconciliation after a transient store failure.
type ReconcileEvent struct {
	Gateway          string          `json:"gateway"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	Assertion        json.RawMessage `json:"assertion"`
	Attempt          int             `json:"attempt"`
	Timestamp        time.Time       `json:"timestamp"`
}

type AlertKind string

const (
	AlertOrphanPayment AlertKind = "ORPHAN_PAYMENT"
	AlertCreditPending AlertKind = "CREDIT_PENDING"
	AlertDeadLetter    AlertKind = "DEAD_LETTER"
)

// Alert is an outcome an operator has to look at; nothing resolves these
// automatically.
type Alert struct {
	Kind             AlertKind `json:"kind"`
	Gateway          string    `json:"gateway"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	TransactionID    string    `json:"transaction_id,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
}

func NewRedisClient(cfg config.Config) *RedisClient {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis url", logger.Fields{"error": err.Error(), "url": cfg.RedisURL})
		opt = &redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		}
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", logger.Fields{"error": err.Error(), "url": cfg.RedisURL})
	} else {
		logger.Info("Connected to Redis", logger.Fields{"url": cfg.RedisURL})
	}

	return &RedisClient{Client: rdb}
}

func (r *RedisClient) PublishEvent(ctx context.Context, event ReconcileEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.Client.RPush(ctx, ReconcileQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}

	return nil
}

// PopEvent blocks up to timeout for the next event. The raw bytes are returned
// alongside so undecodable events can still be dead-lettered verbatim.
func (r *RedisClient) PopEvent(ctx context.Context, timeout time.Duration) (*ReconcileEvent, []byte, error) {
	result, err := r.Client.BLPop(ctx, timeout, ReconcileQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, ErrQueueEmpty
		}
		return nil, nil, err
	}

	raw := []byte(result[1])
	var event ReconcileEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, raw, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, raw, nil
}

func (r *RedisClient) PushToDLQ(ctx context.Context, data []byte) error {
	if err := r.Client.RPush(ctx, FailedQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to DLQ: %w", err)
	}
	return nil
}

// PushAlert appends to the operator alert list, newest first, capped.
func (r *RedisClient) PushAlert(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := r.Client.TxPipeline()
	pipe.LPush(ctx, AlertsList, data)
	pipe.LTrim(ctx, AlertsList, 0, maxAlerts-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push alert: %w", err)
	}
	return nil
}

func (r *RedisClient) ListAlerts(ctx context.Context, limit int64) ([]Alert, error) {
	items, err := r.Client.LRange(ctx, AlertsList, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(items))
	for _, item := range items {
		var a Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			logger.Warn("Skipping undecodable alert", logger.WithError(err))
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
