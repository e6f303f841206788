// Package config loads service configuration from the environment.
// Secrets have no fallbacks: a missing secret fails startup loudly
// rather than running with a guessable default.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	DBPath   string
	BaseURL  string
	LogLevel string

	StripeSecretKey     string
	StripeWebhookSecret string
	JWTSecret           string
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:     envOr("BILLING_PORT", "8090"),
		DBPath:   envOr("BILLING_DB_PATH", "billing.db"),
		LogLevel: os.Getenv("BILLING_LOG_LEVEL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		JWTSecret:           os.Getenv("BILLING_JWT_SECRET"),
	}
	cfg.BaseURL = envOr("BILLING_BASE_URL", "http://localhost:"+cfg.Port)

	var missing []string
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "BILLING_JWT_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
