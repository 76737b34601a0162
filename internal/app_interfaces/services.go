package app_interfaces

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/coindeck/coindeck-api/internal/models"
)

/*
These interfaces connect the concrete implementations in the low-level db
package to the services and api packages, keeping them mockable in tests
and preventing circular dependencies.
*/

// PostgresService exposes the relational store.
type PostgresService interface {
	Health(ctx context.Context) error
	GetPostgresDB() *gorm.DB
}

// RedisService exposes the Redis client surface the server needs.
type RedisService interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// KeyStore persists issued API keys.
type KeyStore interface {
	Create(ctx context.Context, key *models.APIKey) error
	// FindByPrefix returns every key sharing the display prefix. The hash
	// is one-way, so all candidates must be fetched and compared.
	FindByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error)
	FindByID(ctx context.Context, id string) (*models.APIKey, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.APIKey, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int64, error)
	TouchLastUsed(ctx context.Context, id string, t time.Time) error
	Revoke(ctx context.Context, ownerID, id string, t time.Time) error
	// ApplyTierToOwner rewrites tier, limits and scopes on every key the
	// owner holds. Absolute values only, so replays are no-ops.
	ApplyTierToOwner(ctx context.Context, ownerID string, d models.TierDefaults) error
}

// SubscriptionStore persists the processor-derived subscription state.
// FindByOwner returns (nil, nil) when the owner has no record.
type SubscriptionStore interface {
	FindByOwner(ctx context.Context, ownerID string) (*models.Subscription, error)
	Upsert(ctx context.Context, sub *models.Subscription) error
}

// UsageStore persists per-key per-day counters. GetDay returns (nil, nil)
// when no row exists yet for that day.
type UsageStore interface {
	GetDay(ctx context.Context, keyID string, day time.Time) (*models.DailyUsage, error)
	// IncrementDay must be a single atomic upsert at the storage layer;
	// read-then-write here loses updates under concurrent requests.
	IncrementDay(ctx context.Context, keyID string, day time.Time, endpoint string, success bool) error
}

// RequestLogStore appends best-effort request logs.
type RequestLogStore interface {
	Health(ctx context.Context) error
	InsertRequestLog(ctx context.Context, entry models.RequestLog) error
}
