// Package rates reads the display exchange rate published by the external
// refresh job. Rates are for showing prices only; settlement never uses them.
package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

type Rate struct {
	Base   string          `json:"base"`
	Target string          `json:"target"`
	Value  decimal.Decimal `json:"rate"`
	AsOf   time.Time       `json:"as_of"`
}

type Provider interface {
	GetCurrentRate(ctx context.Context, base, target string) (*Rate, error)
}

// RedisProvider reads the hash rates:<BASE>:<TARGET> {rate, as_of}.
type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

func Key(base, target string) string {
	return fmt.Sprintf("rates:%s:%s", strings.ToUpper(base), strings.ToUpper(target))
}

func (p *RedisProvider) GetCurrentRate(ctx context.Context, base, target string) (*Rate, error) {
	base, target = strings.ToUpper(base), strings.ToUpper(target)
	if base == target {
		return &Rate{Base: base, Target: target, Value: decimal.NewFromInt(1), AsOf: time.Now().UTC()}, nil
	}

	fields, err := p.client.HGetAll(ctx, Key(base, target)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate: %w", err)
	}
	raw, ok := fields["rate"]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, base, target)
	}

	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() {
		return nil, fmt.Errorf("%w: bad rate %q", ErrRateUnavailable, raw)
	}

	rate := &Rate{Base: base, Target: target, Value: value}
	if asOf, err := time.Parse(time.RFC3339, fields["as_of"]); err == nil {
		rate.AsOf = asOf
	}
	return rate, nil
}

// DisplayPrice converts a USD amount for display: amount × rate × (1 + markup%),
// rounded half away from zero to cents.
func DisplayPrice(amountUSD decimal.Decimal, rate *Rate, markupPercent decimal.Decimal) decimal.Decimal {
	multiplier := decimal.NewFromInt(1).Add(markupPercent.Div(decimal.NewFromInt(100)))
	return amountUSD.Mul(rate.Value).Mul(multiplier).Round(2)
}
