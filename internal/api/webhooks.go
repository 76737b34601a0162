package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/services"
)

// SignatureHeader carries the payment processor's webhook signature:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<t>.<body>")>".
const SignatureHeader = "Webhook-Signature"

const defaultSignatureTolerance = 5 * time.Minute

// BillingWebhookHandler receives payment-processor lifecycle events and
// hands verified ones to the entitlement sync. Delivery is at-least-once
// and the processor retries on its own; an invalid signature is rejected
// with no side effects, never retried from here.
type BillingWebhookHandler struct {
	entitlements *services.EntitlementService
	secret       []byte
	tolerance    time.Duration
	now          func() time.Time
}

func NewBillingWebhookHandler(entitlements *services.EntitlementService, secret string, tolerance time.Duration) *BillingWebhookHandler {
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	return &BillingWebhookHandler{
		entitlements: entitlements,
		secret:       []byte(secret),
		tolerance:    tolerance,
		now:          time.Now,
	}
}

// HandleWebhook processes one delivery. Order matters: authenticate the
// payload before any state mutation.
func (h *BillingWebhookHandler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read webhook payload"})
		return
	}

	if err := h.verifySignature(c.GetHeader(SignatureHeader), body); err != nil {
		logrus.WithError(err).Warn("Rejected billing webhook")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "webhook_signature_invalid",
			"message": "Webhook signature verification failed.",
		})
		return
	}

	var event services.BillingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	logrus.WithFields(logrus.Fields{"event_id": event.ID, "type": event.Type}).Info("Received billing webhook")

	if err := h.entitlements.HandleEvent(c.Request.Context(), event); err != nil {
		logrus.WithError(err).WithField("event_id", event.ID).Error("Failed to process billing event")
		// Non-2xx so the processor redelivers; cascades are idempotent,
		// so the retry is safe.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}

// verifySignature checks the timestamped HMAC against the raw body.
func (h *BillingWebhookHandler) verifySignature(header string, body []byte) error {
	if len(h.secret) == 0 {
		return services.ErrWebhookSignature
	}

	var timestamp int64
	var provided string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			provided = v
		}
	}
	if timestamp == 0 || provided == "" {
		return services.ErrWebhookSignature
	}

	age := h.now().Sub(time.Unix(timestamp, 0))
	if age > h.tolerance || age < -h.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", services.ErrWebhookSignature)
	}

	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	expected := hex.EncodeToString(mac.Sum(nil))

	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return services.ErrWebhookSignature
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(decoded, expectedRaw) {
		return services.ErrWebhookSignature
	}
	return nil
}

// SignPayload computes the signature header value for a payload. Used by
// tests and local tooling to fabricate deliveries.
func SignPayload(secret []byte, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.%s", timestamp.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
