package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/models"
)

// Billing event types this service reacts to. Anything else is accepted
// and ignored, since the processor sends many event kinds we don't care
// about.
const (
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventCheckoutCompleted   = "checkout.session.completed"
)

// BillingEvent is a payment-processor lifecycle event as delivered to the
// webhook endpoint.
type BillingEvent struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EntitlementService consumes subscription lifecycle events and cascades
// tier changes onto every key the owner holds. Delivery is at-least-once,
// so every cascade is an absolute "set tier to X" — replaying an event is
// a no-op after the first application.
type EntitlementService struct {
	keys app_interfaces.KeyStore
	subs app_interfaces.SubscriptionStore
}

func NewEntitlementService(keys app_interfaces.KeyStore, subs app_interfaces.SubscriptionStore) *EntitlementService {
	return &EntitlementService{keys: keys, subs: subs}
}

// HandleEvent dispatches one verified event. Unrecognized types are
// logged and ignored; the webhook endpoint still acknowledges them.
func (s *EntitlementService) HandleEvent(ctx context.Context, event BillingEvent) error {
	switch event.Type {
	case EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, event.Data)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event.Data)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event.Data)
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event.Data)
	default:
		logrus.WithFields(logrus.Fields{"event_id": event.ID, "type": event.Type}).Info("Ignoring unhandled billing event type")
		return nil
	}
}

func (s *EntitlementService) handleSubscriptionCreated(ctx context.Context, data map[string]any) error {
	ownerID, err := ownerFromMetadata(data)
	if err != nil {
		return err
	}

	// A fresh paid subscription defaults to pro unless the metadata names
	// a higher tier.
	tier := deriveTier(data, models.TierPro)

	sub := subscriptionFromPayload(ownerID, tier, data)
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"owner_id": ownerID, "tier": tier}).Info("Subscription created, cascading entitlements")
	return s.cascade(ctx, ownerID, tier)
}

func (s *EntitlementService) handleSubscriptionUpdated(ctx context.Context, data map[string]any) error {
	ownerID, err := ownerFromMetadata(data)
	if err != nil {
		return err
	}

	existing, err := s.subs.FindByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	previousTier := models.TierFree
	if existing != nil {
		previousTier = existing.Tier
	}

	tier := deriveTier(data, previousTier)

	sub := subscriptionFromPayload(ownerID, tier, data)
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}

	// Status or period changes alone don't touch keys.
	if tier == previousTier {
		return nil
	}

	logrus.WithFields(logrus.Fields{"owner_id": ownerID, "from": previousTier, "to": tier}).Info("Subscription tier changed, cascading entitlements")
	return s.cascade(ctx, ownerID, tier)
}

func (s *EntitlementService) handleSubscriptionDeleted(ctx context.Context, data map[string]any) error {
	ownerID, err := ownerFromMetadata(data)
	if err != nil {
		return err
	}

	sub := subscriptionFromPayload(ownerID, models.TierFree, data)
	sub.Status = models.SubStatusCanceled
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}

	logrus.WithField("owner_id", ownerID).Info("Subscription deleted, downgrading keys to free tier")
	return s.cascade(ctx, ownerID, models.TierFree)
}

func (s *EntitlementService) handleCheckoutCompleted(ctx context.Context, data map[string]any) error {
	ownerID, err := ownerFromMetadata(data)
	if err != nil {
		return err
	}

	tier := deriveTier(data, models.TierPro)

	sub := subscriptionFromPayload(ownerID, tier, data)
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"owner_id": ownerID, "tier": tier}).Info("Checkout completed, provisioning entitlements")
	return s.cascade(ctx, ownerID, tier)
}

// cascade overwrites every key of the owner with the tier's defaults.
func (s *EntitlementService) cascade(ctx context.Context, ownerID, tier string) error {
	return s.keys.ApplyTierToOwner(ctx, ownerID, models.DefaultsForTier(tier))
}

// deriveTier reads the tier out of the event metadata: enterprise wins
// over pro, anything else leaves the fallback in place.
func deriveTier(data map[string]any, fallback string) string {
	metadata, _ := data["metadata"].(map[string]any)
	raw, _ := metadata["tier"].(string)
	switch raw {
	case models.TierEnterprise:
		return models.TierEnterprise
	case models.TierPro:
		return models.TierPro
	default:
		return fallback
	}
}

func ownerFromMetadata(data map[string]any) (string, error) {
	metadata, _ := data["metadata"].(map[string]any)
	ownerID, _ := metadata["owner_id"].(string)
	if ownerID == "" {
		return "", fmt.Errorf("billing event has no owner_id in metadata")
	}
	return ownerID, nil
}

func subscriptionFromPayload(ownerID, tier string, data map[string]any) *models.Subscription {
	sub := &models.Subscription{
		OwnerID:                 ownerID,
		Tier:                    tier,
		Status:                  models.SubStatusActive,
		ProcessorCustomerID:     stringField(data, "customer"),
		ProcessorSubscriptionID: stringField(data, "subscription"),
	}
	if sub.ProcessorSubscriptionID == "" {
		sub.ProcessorSubscriptionID = stringField(data, "id")
	}
	if status := stringField(data, "status"); status != "" {
		sub.Status = status
	}
	if start := unixField(data, "current_period_start"); start != nil {
		sub.CurrentPeriodStart = start
	}
	if end := unixField(data, "current_period_end"); end != nil {
		sub.CurrentPeriodEnd = end
	}
	if cancel, ok := data["cancel_at_period_end"].(bool); ok {
		sub.CancelAtPeriodEnd = cancel
	}
	return sub
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func unixField(data map[string]any, key string) *time.Time {
	v, ok := data[key].(float64)
	if !ok || v == 0 {
		return nil
	}
	t := time.Unix(int64(v), 0).UTC()
	return &t
}
