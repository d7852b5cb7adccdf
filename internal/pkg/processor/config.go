package processor

import (
	"errors"
	"time"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

const DefaultTimeout = 20 * time.Second

// StripeConfig holds Stripe credentials
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	APIURL           string // Optional, used for stripe-mock and tests
	Timeout          time.Duration
	WebhookTolerance time.Duration
	Enabled          bool
}

// LoadStripeConfig loads Stripe configuration from environment variables
func LoadStripeConfig() (*StripeConfig, error) {
	cfg := &StripeConfig{
		SecretKey:        env.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:    env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		APIURL:           env.GetEnv("STRIPE_API_URL", ""),
		Timeout:          env.GetEnvDuration("PROCESSOR_TIMEOUT", DefaultTimeout),
		WebhookTolerance: env.GetEnvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		Enabled:          env.GetEnvBool("STRIPE_ENABLED", false),
	}
	if cfg.Enabled {
		if cfg.SecretKey == "" {
			return nil, errors.New("STRIPE_SECRET_KEY is required when Stripe is enabled")
		}
		if cfg.WebhookSecret == "" {
			return nil, errors.New("STRIPE_WEBHOOK_SECRET is required when Stripe is enabled")
		}
	}
	return cfg, nil
}

// BraintreeConfig holds Braintree gateway credentials
type BraintreeConfig struct {
	MerchantID  string
	PublicKey   string
	PrivateKey  string
	Environment string // sandbox or production
	BaseURL     string // Optional override of the environment URL
	Timeout     time.Duration
	Enabled     bool
}

// LoadBraintreeConfig loads Braintree configuration from environment variables
func LoadBraintreeConfig() (*BraintreeConfig, error) {
	cfg := &BraintreeConfig{
		MerchantID:  env.GetEnv("BRAINTREE_MERCHANT_ID", ""),
		PublicKey:   env.GetEnv("BRAINTREE_PUBLIC_KEY", ""),
		PrivateKey:  env.GetEnv("BRAINTREE_PRIVATE_KEY", ""),
		Environment: env.GetEnv("BRAINTREE_ENVIRONMENT", "sandbox"),
		BaseURL:     env.GetEnv("BRAINTREE_API_URL", ""),
		Timeout:     env.GetEnvDuration("PROCESSOR_TIMEOUT", DefaultTimeout),
		Enabled:     env.GetEnvBool("BRAINTREE_ENABLED", false),
	}
	if cfg.Enabled {
		if cfg.MerchantID == "" || cfg.PublicKey == "" || cfg.PrivateKey == "" {
			return nil, errors.New("BRAINTREE_MERCHANT_ID, BRAINTREE_PUBLIC_KEY and BRAINTREE_PRIVATE_KEY are required when Braintree is enabled")
		}
	}
	return cfg, nil
}

func (c *BraintreeConfig) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == "production" {
		return "https://api.braintreegateway.com:443"
	}
	return "https://api.sandbox.braintreegateway.com:443"
}
