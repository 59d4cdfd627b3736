package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

const (
	sandboxBaseURL    = "https://sandbox.pagos-provider.com/v1"
	productionBaseURL = "https://api.pagos-provider.com/v1"

	sandboxCheckoutURL    = "https://checkout-sandbox.pagos-provider.com/p"
	productionCheckoutURL = "https://checkout.pagos-provider.com/p"
)

type BillingConfig struct {
	WebhookSecret        string
	ProviderAPIKey       string
	ProviderPublicKey    string
	ProviderEnvironment  string // sandbox or production
	ProviderBaseURL      string
	CheckoutBaseURL      string
	Currency             string
	RedirectURL          string
	ReferenceTTL         time.Duration
	CheckoutMaxPerWindow int
	RateLimitWindow      time.Duration
	PriceCacheTTL        time.Duration
	CreditsPerMessage    int64
	ReopenPercent        int64
	ProviderTimeout      time.Duration
}

// LoadBillingConfig reads billing and provider settings through viper, so
// values from the .env file loaded at startup and real environment
// variables are both honored.
func LoadBillingConfig() *BillingConfig {
	viper.BindEnv("billing.webhook_secret", "BILLING_WEBHOOK_SECRET")
	viper.BindEnv("billing.currency", "BILLING_CURRENCY")
	viper.BindEnv("billing.redirect_url", "BILLING_REDIRECT_URL")
	viper.BindEnv("billing.reference_ttl", "BILLING_REFERENCE_TTL")
	viper.BindEnv("billing.checkout_max_per_window", "BILLING_CHECKOUT_MAX_PER_WINDOW")
	viper.BindEnv("billing.rate_window", "BILLING_RATE_WINDOW")
	viper.BindEnv("billing.price_cache_ttl", "BILLING_PRICE_CACHE_TTL")
	viper.BindEnv("billing.credits_per_message", "BILLING_CREDITS_PER_MESSAGE")
	viper.BindEnv("billing.reopen_percent", "BILLING_REOPEN_PERCENT")
	viper.BindEnv("provider.api_key", "PAYMENT_PROVIDER_API_KEY")
	viper.BindEnv("provider.public_key", "PAYMENT_PROVIDER_PUBLIC_KEY")
	viper.BindEnv("provider.env", "PAYMENT_PROVIDER_ENV")
	viper.BindEnv("provider.base_url", "PAYMENT_PROVIDER_BASE_URL")
	viper.BindEnv("provider.checkout_base_url", "PAYMENT_CHECKOUT_BASE_URL")
	viper.BindEnv("provider.timeout", "PAYMENT_PROVIDER_TIMEOUT")

	viper.SetDefault("billing.currency", "COP")
	viper.SetDefault("billing.reference_ttl", 168*time.Hour)
	viper.SetDefault("billing.checkout_max_per_window", 10)
	viper.SetDefault("billing.rate_window", time.Hour)
	viper.SetDefault("billing.price_cache_ttl", 5*time.Minute)
	viper.SetDefault("billing.credits_per_message", 1)
	viper.SetDefault("billing.reopen_percent", 10)
	viper.SetDefault("provider.env", "sandbox")
	viper.SetDefault("provider.timeout", 10*time.Second)

	cfg := &BillingConfig{
		WebhookSecret:        viper.GetString("billing.webhook_secret"),
		ProviderAPIKey:       viper.GetString("provider.api_key"),
		ProviderPublicKey:    viper.GetString("provider.public_key"),
		ProviderEnvironment:  viper.GetString("provider.env"),
		ProviderBaseURL:      viper.GetString("provider.base_url"),
		CheckoutBaseURL:      viper.GetString("provider.checkout_base_url"),
		Currency:             viper.GetString("billing.currency"),
		RedirectURL:          viper.GetString("billing.redirect_url"),
		ReferenceTTL:         viper.GetDuration("billing.reference_ttl"),
		CheckoutMaxPerWindow: viper.GetInt("billing.checkout_max_per_window"),
		RateLimitWindow:      viper.GetDuration("billing.rate_window"),
		PriceCacheTTL:        viper.GetDuration("billing.price_cache_ttl"),
		CreditsPerMessage:    viper.GetInt64("billing.credits_per_message"),
		ReopenPercent:        viper.GetInt64("billing.reopen_percent"),
		ProviderTimeout:      viper.GetDuration("provider.timeout"),
	}

	if cfg.ProviderBaseURL == "" {
		if cfg.ProviderEnvironment == "production" {
			cfg.ProviderBaseURL = productionBaseURL
		} else {
			cfg.ProviderBaseURL = sandboxBaseURL
		}
	}
	if cfg.CheckoutBaseURL == "" {
		if cfg.ProviderEnvironment == "production" {
			cfg.CheckoutBaseURL = productionCheckoutURL
		} else {
			cfg.CheckoutBaseURL = sandboxCheckoutURL
		}
	}

	return cfg
}

// Validate fails fast on missing secrets so billing is never silently
// disabled.
func (c *BillingConfig) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("BILLING_WEBHOOK_SECRET is not set")
	}
	if c.ProviderAPIKey == "" {
		return errors.New("PAYMENT_PROVIDER_API_KEY is not set")
	}
	if c.ProviderEnvironment != "sandbox" && c.ProviderEnvironment != "production" {
		return errors.New("PAYMENT_PROVIDER_ENV must be sandbox or production")
	}
	return nil
}
