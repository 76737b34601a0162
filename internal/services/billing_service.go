package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BillingService talks to the payment processor's backend API to create
// checkout and customer-portal sessions. The processor itself is opaque
// to the access-control core; only these two session calls cross the
// boundary.
type BillingService struct {
	baseURL    string
	apiKey     string
	returnURL  string
	httpClient *http.Client
}

func NewBillingService(baseURL, apiKey, returnURL string) *BillingService {
	return &BillingService{
		baseURL:   baseURL,
		apiKey:    apiKey,
		returnURL: returnURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsConfigured returns true if the processor credentials are set.
func (s *BillingService) IsConfigured() bool {
	return s.apiKey != "" && s.baseURL != ""
}

// CheckoutSession is the processor's hosted-payment-page handle.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PortalSession is the processor's self-service billing portal handle.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type processorError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *processorError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unknown payment processor error"
}

// CreateCheckoutSession starts a checkout for the owner to purchase the
// given tier. The owner id rides in the session metadata so the webhook
// events can be routed back to the right keys.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, ownerID, tier string) (*CheckoutSession, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("billing is not configured (missing processor credentials)")
	}

	payload := map[string]any{
		"mode":        "subscription",
		"success_url": s.returnURL,
		"cancel_url":  s.returnURL,
		"metadata": map[string]string{
			"owner_id": ownerID,
			"tier":     tier,
		},
	}

	var session CheckoutSession
	if err := s.post(ctx, "/v1/checkout/sessions", payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreatePortalSession opens the processor's billing portal for an owner
// with an existing subscription.
func (s *BillingService) CreatePortalSession(ctx context.Context, processorCustomerID string) (*PortalSession, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("billing is not configured (missing processor credentials)")
	}

	payload := map[string]any{
		"customer":   processorCustomerID,
		"return_url": s.returnURL,
	}

	var session PortalSession
	if err := s.post(ctx, "/v1/billing_portal/sessions", payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// post sends one JSON request with exponential backoff on transient
// failures. 4xx responses (other than 429) are permanent.
func (s *BillingService) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			var perr processorError
			b, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(b, &perr) != nil || perr.Message == "" {
				perr.Message = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(b))
			}
			return backoff.Permanent(&perr)
		}
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("processor request failed: %w", err)
	}
	return nil
}
