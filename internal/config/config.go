package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"18911"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Stripe
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	// Postmark transactional email
	PostmarkServerToken  string `envconfig:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `envconfig:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `envconfig:"EMAIL_FROM" default:"hello@brandforge.app"`
	EmailReplyTo         string `envconfig:"EMAIL_REPLY_TO" default:"support@brandforge.app"`

	// Lifecycle email scheduler
	LifecycleEmailsEnabled   bool `envconfig:"LIFECYCLE_EMAILS_ENABLED" default:"true"`
	LifecycleIntervalSeconds int  `envconfig:"LIFECYCLE_INTERVAL_SECONDS" default:"3600"`
	LifecycleSendsPerSecond  int  `envconfig:"LIFECYCLE_SENDS_PER_SECOND" default:"2"`

	// In-process cache
	CacheTTLSeconds        int `envconfig:"CACHE_TTL_SECONDS" default:"900"`
	CacheCleanupSeconds    int `envconfig:"CACHE_CLEANUP_SECONDS" default:"300"`
	CachePreloadTTLSeconds int `envconfig:"CACHE_PRELOAD_TTL_SECONDS" default:"3600"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
