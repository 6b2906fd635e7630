// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultFulfillEvents — типы событий провайдера, по умолчанию
// запускающие исполнение заказа.
const DefaultFulfillEvents = "charge:confirmed,charge:resolved"

const defaultCommerceAPIURL = "https://api.commerce.coinbase.com"

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string   `env:"RUN_ADDRESS"`
	DatabaseURI           string   `env:"DATABASE_URI"`
	CommerceAPIURL        string   `env:"COMMERCE_API_URL"`
	CommerceAPIKey        string   `env:"COMMERCE_API_KEY"`
	CommerceWebhookSecret string   `env:"COMMERCE_WEBHOOK_SECRET"`
	IdentityAddress       string   `env:"IDENTITY_ADDRESS"`
	IdentityServiceKey    string   `env:"IDENTITY_SERVICE_KEY"`
	FulfillEvents         []string `env:"FULFILL_EVENTS" envSeparator:","`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCommerceAPIURL := cfg.CommerceAPIURL
	envCommerceAPIKey := cfg.CommerceAPIKey
	envWebhookSecret := cfg.CommerceWebhookSecret
	envIdentityAddress := cfg.IdentityAddress
	envIdentityServiceKey := cfg.IdentityServiceKey
	envFulfillEvents := cfg.FulfillEvents

	var flagFulfillEvents string

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CommerceAPIURL, "c", defaultCommerceAPIURL, "payment provider API base URL")
	flag.StringVar(&cfg.CommerceAPIKey, "k", "", "payment provider API key")
	flag.StringVar(&cfg.CommerceWebhookSecret, "s", "", "payment provider webhook shared secret")
	flag.StringVar(&cfg.IdentityAddress, "i", "", "identity provider address")
	flag.StringVar(&cfg.IdentityServiceKey, "j", "", "identity provider service key")
	flag.StringVar(&flagFulfillEvents, "e", DefaultFulfillEvents, "comma-separated provider event types that trigger fulfillment")

	flag.Parse()

	cfg.FulfillEvents = splitEvents(flagFulfillEvents)

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCommerceAPIURL != "" {
		cfg.CommerceAPIURL = envCommerceAPIURL
	}
	if envCommerceAPIKey != "" {
		cfg.CommerceAPIKey = envCommerceAPIKey
	}
	if envWebhookSecret != "" {
		cfg.CommerceWebhookSecret = envWebhookSecret
	}
	if envIdentityAddress != "" {
		cfg.IdentityAddress = envIdentityAddress
	}
	if envIdentityServiceKey != "" {
		cfg.IdentityServiceKey = envIdentityServiceKey
	}
	if len(envFulfillEvents) > 0 {
		cfg.FulfillEvents = envFulfillEvents
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CommerceAPIURL == "" {
		cfg.CommerceAPIURL = defaultCommerceAPIURL
	}

	return cfg, nil
}

func splitEvents(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			res = append(res, part)
		}
	}
	return res
}
