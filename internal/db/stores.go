package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

var (
	_ app_interfaces.KeyStore          = (*KeyStore)(nil)
	_ app_interfaces.SubscriptionStore = (*SubscriptionStore)(nil)
	_ app_interfaces.UsageStore        = (*UsageStore)(nil)
)

// KeyStore is the GORM-backed api_keys repository.
type KeyStore struct {
	db *gorm.DB
}

func NewKeyStore(db *gorm.DB) *KeyStore {
	return &KeyStore{db: db}
}

func (s *KeyStore) Create(ctx context.Context, key *models.APIKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

func (s *KeyStore) FindByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.WithContext(ctx).Where("key_prefix = ?", prefix).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return keys, nil
}

func (s *KeyStore) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &key, nil
}

func (s *KeyStore) ListByOwner(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return keys, nil
}

func (s *KeyStore) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("owner_id = ? AND status = ?", ownerID, models.KeyStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return count, nil
}

func (s *KeyStore) TouchLastUsed(ctx context.Context, id string, t time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", t).Error
}

func (s *KeyStore) Revoke(ctx context.Context, ownerID, id string, t time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, models.KeyStatusActive).
		Updates(map[string]any{
			"status":     models.KeyStatusRevoked,
			"revoked_at": t,
		})
	if res.Error != nil {
		return fmt.Errorf("database error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ApplyTierToOwner is the entitlement cascade: one absolute UPDATE across
// all of the owner's keys, so replayed webhook events converge to the
// same end state.
func (s *KeyStore) ApplyTierToOwner(ctx context.Context, ownerID string, d models.TierDefaults) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]any{
			"tier":                  d.Name,
			"rate_limit_per_minute": d.RateLimitPerMinute,
			"daily_limit":           d.DailyLimit,
			"scopes":                pq.StringArray(d.Scopes),
		}).Error
}

// SubscriptionStore is the GORM-backed api_subscriptions repository.
type SubscriptionStore struct {
	db *gorm.DB
}

func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) FindByOwner(ctx context.Context, ownerID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) Upsert(ctx context.Context, sub *models.Subscription) error {
	q := `
		INSERT INTO api_subscriptions
			(owner_id, processor_customer_id, processor_subscription_id, tier, status,
			 current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			processor_customer_id     = EXCLUDED.processor_customer_id,
			processor_subscription_id = EXCLUDED.processor_subscription_id,
			tier                      = EXCLUDED.tier,
			status                    = EXCLUDED.status,
			current_period_start      = EXCLUDED.current_period_start,
			current_period_end        = EXCLUDED.current_period_end,
			cancel_at_period_end      = EXCLUDED.cancel_at_period_end,
			updated_at                = NOW()`
	return s.db.WithContext(ctx).Exec(q,
		sub.OwnerID, sub.ProcessorCustomerID, sub.ProcessorSubscriptionID,
		sub.Tier, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
	).Error
}

// UsageStore is the GORM-backed api_usage_daily repository.
type UsageStore struct {
	db *gorm.DB
}

func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) GetDay(ctx context.Context, keyID string, day time.Time) (*models.DailyUsage, error) {
	var usage models.DailyUsage
	err := s.db.WithContext(ctx).
		Where("key_id = ? AND day = ?", keyID, day.UTC().Format("2006-01-02")).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &usage, nil
}

// IncrementDay pushes the increment down to a single upsert so two
// concurrent requests for the same key can never lose an update. The
// endpoint breakdown counter is bumped inside the same statement via
// jsonb_set.
func (s *UsageStore) IncrementDay(ctx context.Context, keyID string, day time.Time, endpoint string, success bool) error {
	successInc := 0
	errorInc := 0
	if success {
		successInc = 1
	} else {
		errorInc = 1
	}
	q := `
		INSERT INTO api_usage_daily
			(key_id, day, request_count, success_count, error_count, endpoint_breakdown, updated_at)
		VALUES (?, ?, 1, ?, ?, jsonb_build_object(?::text, 1), NOW())
		ON CONFLICT (key_id, day) DO UPDATE SET
			request_count = api_usage_daily.request_count + 1,
			success_count = api_usage_daily.success_count + EXCLUDED.success_count,
			error_count   = api_usage_daily.error_count + EXCLUDED.error_count,
			endpoint_breakdown = jsonb_set(
				COALESCE(api_usage_daily.endpoint_breakdown, '{}'::jsonb),
				ARRAY[?::text],
				(COALESCE(api_usage_daily.endpoint_breakdown->>?, '0')::bigint + 1)::text::jsonb),
			updated_at = NOW()`
	return s.db.WithContext(ctx).Exec(q,
		keyID, day.UTC().Format("2006-01-02"), successInc, errorInc,
		endpoint, endpoint, endpoint,
	).Error
}
