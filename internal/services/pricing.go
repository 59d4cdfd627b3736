package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	unitPriceSettingKey = "credit_unit_price_minor"
	unitPriceCacheKey   = "billing:unit_price_minor"
)

// PricingService fetches the externally configured price of one credit in
// minor currency units. The value lives in billing_settings so operators
// can change it without a deploy; redis keeps webhook handling off the
// settings table.
type PricingService struct {
	db       *sql.DB
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewPricingService(db *sql.DB, redisClient *redis.Client, cacheTTL time.Duration) *PricingService {
	return &PricingService{db: db, redis: redisClient, cacheTTL: cacheTTL}
}

// UnitPriceMinor returns the current unit price. A missing or non-positive
// setting is ErrConfigurationMissing: billing never guesses a price.
func (s *PricingService) UnitPriceMinor(ctx context.Context) (int64, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, unitPriceCacheKey).Int64(); err == nil && cached > 0 {
			return cached, nil
		}
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM billing_settings WHERE key = $1
	`, unitPriceSettingKey).Scan(&raw)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s is not configured", ErrConfigurationMissing, unitPriceSettingKey)
	}
	if err != nil {
		return 0, err
	}

	price, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: %s has invalid value %q", ErrConfigurationMissing, unitPriceSettingKey, raw)
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, unitPriceCacheKey, price, s.cacheTTL).Err(); err != nil {
			log.Printf("[PRICING] Failed to cache unit price: %v", err)
		}
	}

	return price, nil
}
