package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/models"
	"github.com/coindeck/coindeck-api/internal/ratelimit"
	"github.com/coindeck/coindeck-api/internal/services"
)

// Error codes for client handling
const (
	ErrCodeMissingKey    = "api_key_missing"
	ErrCodeInvalidKey    = "api_key_invalid"
	ErrCodeBadFormat     = "api_key_bad_format"
	ErrCodeExpiredKey    = "api_key_expired"
	ErrCodeRevokedKey    = "api_key_revoked"
	ErrCodeSuspendedKey  = "api_key_suspended"
	ErrCodeRateLimited   = "rate_limit_exceeded"
	ErrCodeQuotaExceeded = "daily_quota_exceeded"
	ErrCodeMissingScope  = "insufficient_scope"
)

const authContextKey = "auth_context"

// APIKeyGate verifies the presented credential, then applies the
// per-minute rate limit and the daily quota before the handler runs, and
// records usage after it finishes.
type APIKeyGate struct {
	keys     *services.APIKeyService
	limiter  ratelimit.Limiter
	quota    *services.QuotaService
	recorder *services.UsageRecorder
}

func NewAPIKeyGate(keys *services.APIKeyService, limiter ratelimit.Limiter, quota *services.QuotaService, recorder *services.UsageRecorder) *APIKeyGate {
	return &APIKeyGate{keys: keys, limiter: limiter, quota: quota, recorder: recorder}
}

// Handler is the gate middleware. Accepts the key via 'X-API-Key' or
// 'Authorization: Bearer <key>'.
func (g *APIKeyGate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-API-Key")
		if presented == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				presented = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		if presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   ErrCodeMissingKey,
				"message": "API key is required. Provide via 'X-API-Key' or 'Authorization: Bearer <key>' header.",
			})
			c.Abort()
			return
		}

		auth, err := g.keys.VerifyKey(c.Request.Context(), presented)
		if err != nil {
			code, message := verifyErrorResponse(err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": code, "message": message})
			c.Abort()
			return
		}
		c.Set(authContextKey, auth)

		decision, err := g.limiter.Allow(c.Request.Context(), auth.KeyID, auth.RateLimitPerMinute)
		if err != nil {
			// Fail open: a broken counter store must not take the API down.
			logrus.WithError(err).WithField("key_id", auth.KeyID).Warn("Rate limit check failed, allowing request")
			decision = ratelimit.Decision{Allowed: true, Remaining: -1}
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", auth.RateLimitPerMinute))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetInMs))
		if !decision.Allowed {
			rlErr := &services.RateLimitError{Limit: auth.RateLimitPerMinute, ResetInMs: decision.ResetInMs}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       ErrCodeRateLimited,
				"message":     rlErr.Error(),
				"reset_in_ms": decision.ResetInMs,
			})
			c.Abort()
			return
		}

		quota, err := g.quota.CheckDailyLimit(c.Request.Context(), auth.KeyID, auth.DailyLimit)
		if err != nil {
			logrus.WithError(err).WithField("key_id", auth.KeyID).Warn("Daily quota check failed, allowing request")
			quota = &services.QuotaStatus{Allowed: true, Remaining: -1}
		}
		c.Header("X-Quota-Limit", fmt.Sprintf("%d", auth.DailyLimit))
		c.Header("X-Quota-Remaining", fmt.Sprintf("%d", quota.Remaining))
		if !quota.Allowed {
			qErr := &services.QuotaExceededError{Limit: auth.DailyLimit, Used: quota.Used}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   ErrCodeQuotaExceeded,
				"message": qErr.Error() + " Resets at the next UTC day.",
			})
			c.Abort()
			return
		}

		start := time.Now()
		c.Next()
		g.recordRequest(c, auth.KeyID, time.Since(start))
	}
}

// recordRequest bumps the daily counters and appends the request log.
// Both are best effort and never surface to the caller.
func (g *APIKeyGate) recordRequest(c *gin.Context, keyID string, latency time.Duration) {
	status := c.Writer.Status()
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = c.Request.URL.Path
	}
	recorded := services.RecordedRequest{
		KeyID:      keyID,
		Endpoint:   endpoint,
		Method:     c.Request.Method,
		StatusCode: status,
		Latency:    latency,
		CallerIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}

	go func() {
		ctx, cancel := contextWithRecordTimeout()
		defer cancel()
		if err := g.quota.RecordUsage(ctx, keyID, recorded.Endpoint, status); err != nil {
			logrus.WithError(err).WithField("key_id", keyID).Warn("Failed to record daily usage")
		}
		g.recorder.Record(ctx, recorded)
	}()
}

// Usage writes happen off the request path; give them their own bound.
func contextWithRecordTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// RequireScope checks the route's required scope against the verified
// key's scopes.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, ok := GetAuthFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   ErrCodeMissingKey,
				"message": "Authentication required.",
			})
			c.Abort()
			return
		}
		if !models.HasScope(auth.Scopes, scope) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   ErrCodeMissingScope,
				"message": fmt.Sprintf("This endpoint requires the '%s' scope.", scope),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetAuthFromContext returns the authorization context set by the gate.
func GetAuthFromContext(c *gin.Context) (*services.AuthContext, bool) {
	v, exists := c.Get(authContextKey)
	if !exists {
		return nil, false
	}
	auth, ok := v.(*services.AuthContext)
	return auth, ok
}

// SetAuthContext is a test helper for handlers guarded by RequireScope.
func SetAuthContext(c *gin.Context, auth *services.AuthContext) {
	c.Set(authContextKey, auth)
}

func verifyErrorResponse(err error) (string, string) {
	switch {
	case errors.Is(err, services.ErrKeyFormat):
		return ErrCodeBadFormat, "Invalid API key format. Expected 'pk_live_...' or 'pk_test_...'."
	case errors.Is(err, services.ErrKeyRevoked):
		return ErrCodeRevokedKey, "API key has been revoked. Please generate a new key from your dashboard."
	case errors.Is(err, services.ErrKeySuspended):
		return ErrCodeSuspendedKey, "API key is suspended. Please contact support."
	case errors.Is(err, services.ErrKeyExpired):
		return ErrCodeExpiredKey, "API key has expired. Please generate a new key from your dashboard."
	case errors.Is(err, services.ErrKeyNotFound):
		return ErrCodeInvalidKey, "API key not found. Please check your key or generate a new one."
	default:
		return ErrCodeInvalidKey, "Invalid API key. Please check your key or generate a new one."
	}
}
