package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

const (
	maxUserAgentLen = 256
	maxEndpointLen  = 128
)

// UsageRecorder appends best-effort request logs. Raw caller addresses
// are never stored; they are HMAC-hashed with a server-held pepper first.
// A recorder failure must never fail the guarded request.
type UsageRecorder struct {
	logs   app_interfaces.RequestLogStore
	pepper []byte
	now    func() time.Time
}

func NewUsageRecorder(logs app_interfaces.RequestLogStore, pepper []byte) *UsageRecorder {
	return &UsageRecorder{logs: logs, pepper: pepper, now: time.Now}
}

// RecordedRequest carries the transport-level facts of one request.
type RecordedRequest struct {
	KeyID      string
	Endpoint   string
	Method     string
	StatusCode int
	Latency    time.Duration
	CallerIP   string
	UserAgent  string
}

// Record writes one request log row. Errors are logged and swallowed.
func (r *UsageRecorder) Record(ctx context.Context, req RecordedRequest) {
	if r.logs == nil {
		return
	}
	entry := models.RequestLog{
		KeyID:          req.KeyID,
		Endpoint:       truncate(req.Endpoint, maxEndpointLen),
		Method:         req.Method,
		StatusCode:     req.StatusCode,
		LatencyMs:      req.Latency.Milliseconds(),
		HashedCallerIP: r.HashCallerIP(req.CallerIP),
		UserAgent:      truncate(req.UserAgent, maxUserAgentLen),
		Timestamp:      r.now().UTC(),
	}
	if err := r.logs.InsertRequestLog(ctx, entry); err != nil {
		logrus.WithError(err).WithField("key_id", req.KeyID).Warn("Failed to record request log")
	}
}

// HashCallerIP returns the HMAC-SHA256 of the address under the server
// pepper.
func (r *UsageRecorder) HashCallerIP(ip string) string {
	if ip == "" {
		return ""
	}
	mac := hmac.New(sha256.New, r.pepper)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
