package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// usageKeyTTL keeps daily counters around a little past their day so late
// readers still see them; Redis expires them unattended.
const usageKeyTTL = 48 * time.Hour

// UsageRepository tracks per-actor daily spend counters in Redis. Amounts
// are stored in minor units (two decimal places) so atomic INCRBY keeps
// exact decimal semantics without floating point.
type UsageRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewUsageRepository constructs the repository.
func NewUsageRepository(client *redis.Client, logger *zap.Logger) *UsageRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageRepository{client: client, logger: logger}
}

func usageKey(actorID, module, action string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s:%s", actorID, module, action, day.Format("2006-01-02"))
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func fromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}

// AddAndCheck atomically adds the amount to the actor's daily counter and
// checks it against the cap. When the new total exceeds the cap the increment
// is rolled back and exceeded=true is returned, so concurrent callers can
// never jointly slip past the cap. A nil client disables tracking.
func (r *UsageRepository) AddAndCheck(ctx context.Context, actorID, module, action string, day time.Time, amount, limit decimal.Decimal) (total decimal.Decimal, exceeded bool, err error) {
	if r.client == nil {
		return amount, false, nil
	}

	key := usageKey(actorID, module, action, day)
	units := toMinorUnits(amount)

	newTotal, err := r.client.IncrBy(ctx, key, units).Result()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("incr usage %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, usageKeyTTL).Err(); err != nil {
		r.logger.Warn("failed to set usage key ttl", zap.String("key", key), zap.Error(err))
	}

	if newTotal > toMinorUnits(limit) {
		if err := r.client.DecrBy(ctx, key, units).Err(); err != nil {
			r.logger.Warn("failed to roll back usage increment", zap.String("key", key), zap.Error(err))
		}
		return fromMinorUnits(newTotal - units), true, nil
	}
	return fromMinorUnits(newTotal), false, nil
}

// DailyTotal reads the actor's current counter without modifying it.
func (r *UsageRepository) DailyTotal(ctx context.Context, actorID, module, action string, day time.Time) (decimal.Decimal, error) {
	if r.client == nil {
		return decimal.Zero, nil
	}

	key := usageKey(actorID, module, action, day)
	units, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("read usage %s: %w", key, err)
	}
	return fromMinorUnits(units), nil
}
