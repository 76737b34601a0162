package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Key environment constants
const (
	EnvLive = "live"
	EnvTest = "test"
)

// Key status constants
const (
	KeyStatusActive    = "active"
	KeyStatusRevoked   = "revoked"
	KeyStatusSuspended = "suspended"
)

// Subscription status constants
const (
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
)

// APIKey represents an issued credential. Only the bcrypt hash and the
// display prefix are persisted; the plaintext secret is returned once at
// issuance and is unrecoverable afterwards.
type APIKey struct {
	ID                 string `gorm:"primaryKey;size:36"`
	OwnerID            string `gorm:"index;size:64;not null"`
	Name               string `gorm:"size:128"`
	KeyPrefix          string `gorm:"index;size:13;not null"` // first 13 chars of the secret, includes environment tag
	KeyHash            string `gorm:"size:128;not null"`
	Environment        string `gorm:"size:8"` // 'live' or 'test'; empty on legacy rows
	Tier               string `gorm:"size:16;default:free"`
	RateLimitPerMinute int
	DailyLimit         int
	Status             string         `gorm:"size:16;default:active"`
	Scopes             pq.StringArray `gorm:"type:text[]"`
	Description        string         `gorm:"size:512"`
	CreatedAt          time.Time
	LastUsedAt         *time.Time
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
}

func (APIKey) TableName() string { return "api_keys" }

// IsActive reports whether the key may still authenticate. Expiry is
// checked separately so it can be rejected with its own reason.
func (k *APIKey) IsActive() bool {
	return k.Status == KeyStatusActive
}

func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Subscription mirrors the payment processor's view of an owner's plan.
// One row per owner; every key of the owner converges to this record's
// tier after an entitlement cascade.
type Subscription struct {
	ID                      uint   `gorm:"primaryKey"`
	OwnerID                 string `gorm:"uniqueIndex;size:64;not null"`
	ProcessorCustomerID     string `gorm:"index;size:64"`
	ProcessorSubscriptionID string `gorm:"index;size:64"`
	Tier                    string `gorm:"size:16;default:free"`
	Status                  string `gorm:"size:16;default:active"`
	CurrentPeriodStart      *time.Time
	CurrentPeriodEnd        *time.Time
	CancelAtPeriodEnd       bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (Subscription) TableName() string { return "api_subscriptions" }

// JSONB is a helper for Postgres jsonb columns, backed by map[string]any.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}
	if len(b) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(b, j)
}

// DailyUsage holds one row per key per UTC day. Counts only ever go up
// within a day; rows are created lazily on the first request of the day.
type DailyUsage struct {
	ID                uint      `gorm:"primaryKey"`
	KeyID             string    `gorm:"size:36;not null;uniqueIndex:ux_usage_key_day,priority:1"`
	Day               time.Time `gorm:"type:date;not null;uniqueIndex:ux_usage_key_day,priority:2"`
	RequestCount      int64
	SuccessCount      int64
	ErrorCount        int64
	EndpointBreakdown JSONB `gorm:"type:jsonb"`
	UpdatedAt         time.Time
}

func (DailyUsage) TableName() string { return "api_usage_daily" }

// RequestLog is an append-only, best-effort record of a guarded request.
// The caller address is HMAC-hashed before it reaches this struct.
type RequestLog struct {
	KeyID          string
	Endpoint       string
	Method         string
	StatusCode     int
	LatencyMs      int64
	HashedCallerIP string
	UserAgent      string
	Timestamp      time.Time
}
