package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

// fakeUsageStore mirrors the atomic-upsert contract of the real store:
// IncrementDay creates or bumps a single row per (key, day).
type fakeUsageStore struct {
	mu   sync.Mutex
	rows map[string]*models.DailyUsage
}

var _ app_interfaces.UsageStore = (*fakeUsageStore)(nil)

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{rows: make(map[string]*models.DailyUsage)}
}

func usageRowKey(keyID string, day time.Time) string {
	return fmt.Sprintf("%s|%s", keyID, day.Format("2006-01-02"))
}

func (f *fakeUsageStore) GetDay(_ context.Context, keyID string, day time.Time) (*models.DailyUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[usageRowKey(keyID, day)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeUsageStore) IncrementDay(_ context.Context, keyID string, day time.Time, endpoint string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := usageRowKey(keyID, day)
	row, ok := f.rows[k]
	if !ok {
		row = &models.DailyUsage{
			KeyID:             keyID,
			Day:               day,
			EndpointBreakdown: models.JSONB{},
		}
		f.rows[k] = row
	}
	row.RequestCount++
	if success {
		row.SuccessCount++
	} else {
		row.ErrorCount++
	}
	n, _ := row.EndpointBreakdown[endpoint].(int64)
	row.EndpointBreakdown[endpoint] = n + 1
	return nil
}

func TestCheckDailyLimit_NoRowYet(t *testing.T) {
	svc := NewQuotaService(newFakeUsageStore())

	st, err := svc.CheckDailyLimit(context.Background(), "key-1", 1000)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 0, st.Used)
	assert.EqualValues(t, 1000, st.Remaining)
}

func TestCheckDailyLimit_Unlimited(t *testing.T) {
	store := newFakeUsageStore()
	svc := NewQuotaService(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordUsage(ctx, "key-1", "/v1/market/ticker/BTC", 200))
	}

	st, err := svc.CheckDailyLimit(ctx, "key-1", 0)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 5, st.Used)
	assert.EqualValues(t, -1, st.Remaining)
}

func TestRecordUsage_CountsSuccessesAndErrors(t *testing.T) {
	store := newFakeUsageStore()
	svc := NewQuotaService(store)
	ctx := context.Background()

	require.NoError(t, svc.RecordUsage(ctx, "key-1", "/v1/market/ticker/BTC", 200))
	require.NoError(t, svc.RecordUsage(ctx, "key-1", "/v1/market/ticker/BTC", 404))
	require.NoError(t, svc.RecordUsage(ctx, "key-1", "/v1/portfolio", 200))

	row, err := store.GetDay(ctx, "key-1", svc.today())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 3, row.RequestCount)
	assert.EqualValues(t, 2, row.SuccessCount)
	assert.EqualValues(t, 1, row.ErrorCount)
	assert.EqualValues(t, 2, row.EndpointBreakdown["/v1/market/ticker/BTC"])
	assert.EqualValues(t, 1, row.EndpointBreakdown["/v1/portfolio"])
}

func TestCheckDailyLimit_DeniesAtLimitAndRollsOverAtMidnightUTC(t *testing.T) {
	store := newFakeUsageStore()
	svc := NewQuotaService(store)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 14, 23, 59, 30, 0, time.UTC)
	svc.now = func() time.Time { return day1 }

	const limit = 3
	for i := 0; i < limit; i++ {
		st, err := svc.CheckDailyLimit(ctx, "key-1", limit)
		require.NoError(t, err)
		require.True(t, st.Allowed)
		require.NoError(t, svc.RecordUsage(ctx, "key-1", "/v1/market/ticker/BTC", 200))
	}

	st, err := svc.CheckDailyLimit(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.EqualValues(t, limit, st.Used)
	assert.EqualValues(t, 0, st.Remaining)

	// One minute later it's the next UTC day; counters start fresh.
	svc.now = func() time.Time { return day1.Add(time.Minute) }

	st, err = svc.CheckDailyLimit(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 0, st.Used)
}

func TestCheckDailyLimit_ProTierCeiling(t *testing.T) {
	store := newFakeUsageStore()
	svc := NewQuotaService(store)
	ctx := context.Background()

	limit := models.DefaultsForTier(models.TierPro).DailyLimit
	row := &models.DailyUsage{
		KeyID:             "key-1",
		Day:               svc.today(),
		RequestCount:      int64(limit),
		SuccessCount:      int64(limit),
		EndpointBreakdown: models.JSONB{},
	}
	store.rows[usageRowKey("key-1", svc.today())] = row

	st, err := svc.CheckDailyLimit(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.EqualValues(t, 100_000, st.Used)
	assert.EqualValues(t, 0, st.Remaining)

	// One under the ceiling is still allowed.
	row.RequestCount--
	st, err = svc.CheckDailyLimit(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 1, st.Remaining)
}
