package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

type fakeLogStore struct {
	mu      sync.Mutex
	entries []models.RequestLog
	err     error
}

var _ app_interfaces.RequestLogStore = (*fakeLogStore)(nil)

func (f *fakeLogStore) Health(_ context.Context) error { return nil }

func (f *fakeLogStore) InsertRequestLog(_ context.Context, entry models.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestRecord_HashesCallerIP(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewUsageRecorder(store, []byte("pepper"))

	rec.Record(context.Background(), RecordedRequest{
		KeyID:      "key-1",
		Endpoint:   "/v1/market/ticker/BTC",
		Method:     "GET",
		StatusCode: 200,
		Latency:    42 * time.Millisecond,
		CallerIP:   "203.0.113.7",
		UserAgent:  "coindeck-sdk/1.2",
	})

	require.Len(t, store.entries, 1)
	got := store.entries[0]
	assert.NotEqual(t, "203.0.113.7", got.HashedCallerIP)
	assert.NotContains(t, got.HashedCallerIP, "203.0.113")
	assert.Len(t, got.HashedCallerIP, 64) // hex-encoded SHA-256
	assert.EqualValues(t, 42, got.LatencyMs)

	// Same address, same pepper: stable hash, usable for abuse
	// correlation.
	assert.Equal(t, got.HashedCallerIP, rec.HashCallerIP("203.0.113.7"))
	assert.NotEqual(t, got.HashedCallerIP, rec.HashCallerIP("203.0.113.8"))
}

func TestHashCallerIP_PepperChangesHash(t *testing.T) {
	a := NewUsageRecorder(&fakeLogStore{}, []byte("pepper-a"))
	b := NewUsageRecorder(&fakeLogStore{}, []byte("pepper-b"))

	assert.NotEqual(t, a.HashCallerIP("203.0.113.7"), b.HashCallerIP("203.0.113.7"))
	assert.Empty(t, a.HashCallerIP(""))
}

func TestRecord_TruncatesOversizedFields(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewUsageRecorder(store, []byte("pepper"))

	rec.Record(context.Background(), RecordedRequest{
		KeyID:     "key-1",
		Endpoint:  "/v1/" + strings.Repeat("x", 500),
		UserAgent: strings.Repeat("y", 1000),
	})

	require.Len(t, store.entries, 1)
	assert.Len(t, store.entries[0].Endpoint, maxEndpointLen)
	assert.Len(t, store.entries[0].UserAgent, maxUserAgentLen)
}

func TestRecord_SwallowsStoreErrors(t *testing.T) {
	store := &fakeLogStore{err: assert.AnError}
	rec := NewUsageRecorder(store, []byte("pepper"))

	// Must not panic or propagate anything.
	rec.Record(context.Background(), RecordedRequest{KeyID: "key-1"})
	assert.Empty(t, store.entries)
}

func TestRecord_NilStoreIsNoop(t *testing.T) {
	rec := NewUsageRecorder(nil, []byte("pepper"))
	rec.Record(context.Background(), RecordedRequest{KeyID: "key-1"})
}
