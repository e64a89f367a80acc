// Package billing builds checkout redirects for paid tiers and verifies
// that a checkout actually completed before a tier is granted.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
)

var (
	ErrNotPaid       = errors.New("payment not confirmed")
	ErrNoPriceID     = errors.New("no price id configured for tier")
	ErrNoCheckoutURL = errors.New("checkout url not configured")
	ErrTierMismatch  = errors.New("payment was for a different tier")
)

type Config struct {
	CheckoutURL    string
	PublishableKey string
	VerifyURL      string
	// Optimistic grants upgrades without asking a payment backend.
	Optimistic bool
	PriceIDs   map[string]string
}

type Checkout struct {
	cfg Config
}

func NewCheckout(cfg Config) *Checkout {
	return &Checkout{cfg: cfg}
}

func (c *Checkout) PriceID(t tier.Tier) (string, error) {
	if !t.Paid() {
		return "", fmt.Errorf("%w: %s", tier.ErrNoPrice, t)
	}
	id := c.cfg.PriceIDs[string(t)]
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPriceID, t)
	}
	return id, nil
}

// URL returns the external checkout page for t. Payment completion is not
// observed here; see Verifier.
func (c *Checkout) URL(t tier.Tier) (string, error) {
	priceID, err := c.PriceID(t)
	if err != nil {
		return "", err
	}
	if c.cfg.CheckoutURL == "" {
		return "", ErrNoCheckoutURL
	}

	u, err := url.Parse(c.cfg.CheckoutURL)
	if err != nil {
		return "", fmt.Errorf("invalid checkout url: %w", err)
	}
	q := u.Query()
	q.Set("price", priceID)
	if c.cfg.PublishableKey != "" {
		q.Set("key", c.cfg.PublishableKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewVerifier picks the verifier cfg asks for: optimistic when enabled,
// otherwise HTTP when VerifyURL is set. It returns nil when upgrades
// cannot be verified.
func NewVerifier(cfg Config, logger *zap.Logger) Verifier {
	switch {
	case cfg.Optimistic:
		return NewOptimisticVerifier(logger)
	case cfg.VerifyURL != "":
		return NewHTTPVerifier(cfg.VerifyURL, logger)
	default:
		return nil
	}
}

// Verifier confirms a checkout reference paid for tier t.
type Verifier interface {
	Verify(ctx context.Context, t tier.Tier, ref string) error
}

// OptimisticVerifier accepts every upgrade without contacting anyone.
// Only suitable for local development.
type OptimisticVerifier struct {
	logger *zap.Logger
}

func NewOptimisticVerifier(logger *zap.Logger) *OptimisticVerifier {
	return &OptimisticVerifier{logger: logger}
}

func (v *OptimisticVerifier) Verify(ctx context.Context, t tier.Tier, ref string) error {
	v.logger.Warn("Granting tier without payment verification",
		zap.String("tier", string(t)),
		zap.String("ref", ref))
	return nil
}

// HTTPVerifier asks a payment backend whether a checkout session was paid.
// The backend answers GET <verify_url>?session_id=<ref> with
// {"paid": bool, "tier": "<tier>"}.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

type verifyResponse struct {
	Paid bool   `json:"paid"`
	Tier string `json:"tier"`
}

func NewHTTPVerifier(endpoint string, logger *zap.Logger) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, t tier.Tier, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: missing checkout reference", ErrNotPaid)
	}

	u, err := url.Parse(v.endpoint)
	if err != nil {
		return fmt.Errorf("invalid verify url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", ref)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: verify endpoint returned %s", ErrNotPaid, resp.Status)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode verify response: %w", err)
	}
	if !body.Paid {
		return ErrNotPaid
	}
	if body.Tier != "" && body.Tier != string(t) {
		return fmt.Errorf("%w: paid %s, requested %s", ErrTierMismatch, body.Tier, t)
	}

	v.logger.Info("Payment verified", zap.String("tier", string(t)), zap.String("ref", ref))
	return nil
}
