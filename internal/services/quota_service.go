package services

import (
	"context"
	"time"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
)

// QuotaStatus reports where a key stands against its daily ceiling.
type QuotaStatus struct {
	Allowed   bool  `json:"allowed"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// QuotaService enforces per-key per-UTC-day request ceilings.
type QuotaService struct {
	usage app_interfaces.UsageStore
	now   func() time.Time
}

func NewQuotaService(usage app_interfaces.UsageStore) *QuotaService {
	return &QuotaService{usage: usage, now: time.Now}
}

// today truncates the server clock to the UTC calendar day.
func (s *QuotaService) today() time.Time {
	n := s.now().UTC()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckDailyLimit reads today's counter (0 if no row yet) and compares it
// to the key's limit. A limit <= 0 means unlimited.
func (s *QuotaService) CheckDailyLimit(ctx context.Context, keyID string, limit int) (*QuotaStatus, error) {
	var used int64
	row, err := s.usage.GetDay(ctx, keyID, s.today())
	if err != nil {
		return nil, err
	}
	if row != nil {
		used = row.RequestCount
	}

	if limit <= 0 {
		return &QuotaStatus{Allowed: true, Used: used, Remaining: -1}, nil
	}

	remaining := int64(limit) - used
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaStatus{
		Allowed:   used < int64(limit),
		Used:      used,
		Remaining: remaining,
	}, nil
}

// RecordUsage bumps today's counters for the key. The increment happens
// in a single storage-level upsert; two concurrent requests for the same
// key must both land.
func (s *QuotaService) RecordUsage(ctx context.Context, keyID, endpoint string, statusCode int) error {
	success := statusCode < 400
	return s.usage.IncrementDay(ctx, keyID, s.today(), endpoint, success)
}
