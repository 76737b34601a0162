package services

import (
	"errors"
	"fmt"
)

// Verification rejections. FormatError is decided before any store call;
// NotFoundError deliberately does not say which candidate row failed.
var (
	ErrKeyFormat    = errors.New("malformed API key")
	ErrKeyNotFound  = errors.New("API key not found")
	ErrKeyRevoked   = errors.New("API key has been revoked")
	ErrKeySuspended = errors.New("API key is suspended")
	ErrKeyExpired   = errors.New("API key has expired")
)

// Webhook rejections.
var (
	ErrWebhookSignature = errors.New("webhook signature verification failed")
)

// RateLimitError is a soft, retryable rejection carrying the window reset.
type RateLimitError struct {
	Limit     int
	ResetInMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded, resets in %dms", e.Limit, e.ResetInMs)
}

// QuotaExceededError is hard until the UTC day rolls over.
type QuotaExceededError struct {
	Limit int
	Used  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota of %d requests exceeded (%d used)", e.Limit, e.Used)
}
