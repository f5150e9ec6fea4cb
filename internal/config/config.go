// Package config содержит логику чтения конфигурации сервиса оплаты.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса оплаты.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	RedisAddress      string `env:"REDIS_ADDRESS"`
	GatewayAddress    string `env:"GATEWAY_ADDRESS"`
	GatewaySecretKey  string `env:"GATEWAY_SECRET_KEY"`
	CallbackURL       string `env:"CALLBACK_URL"`
	RateSourceAddress string `env:"RATE_SOURCE_ADDRESS"`

	BaseCurrency       string          `env:"BASE_CURRENCY" envDefault:"USD"`
	SettlementCurrency string          `env:"SETTLEMENT_CURRENCY" envDefault:"NGN"`
	RateTTL            time.Duration   `env:"RATE_TTL" envDefault:"1h"`
	FallbackRate       decimal.Decimal `env:"FALLBACK_RATE" envDefault:"1500"`
	BadgeSlotPrice     decimal.Decimal `env:"BADGE_SLOT_PRICE" envDefault:"4.99"`
	AbandonAfter       time.Duration   `env:"ABANDON_AFTER" envDefault:"24h"`
	AuthSecret         string          `env:"AUTH_SECRET" envDefault:"yearbook-checkout-secret"`
}

const (
	defaultRunAddress     = "localhost:8080"
	defaultGatewayAddress = "https://api.paystack.co"
	defaultRateSource     = "https://open.er-api.com"
	defaultCallbackURL    = "http://localhost:8080/api/payments/callback"
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envGatewayAddress := cfg.GatewayAddress
	envGatewayKey := cfg.GatewaySecretKey
	envCallbackURL := cfg.CallbackURL
	envRateSource := cfg.RateSourceAddress

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for pending payment references")
	flag.StringVar(&cfg.GatewayAddress, "g", defaultGatewayAddress, "payment gateway address")
	flag.StringVar(&cfg.GatewaySecretKey, "k", "", "payment gateway secret key")
	flag.StringVar(&cfg.CallbackURL, "callback", defaultCallbackURL, "gateway return URL")
	flag.StringVar(&cfg.RateSourceAddress, "r", defaultRateSource, "exchange rate source address")

	flag.Parse()

	override(&cfg.RunAddress, envRunAddress)
	override(&cfg.DatabaseURI, envDatabaseURI)
	override(&cfg.RedisAddress, envRedisAddress)
	override(&cfg.GatewayAddress, envGatewayAddress)
	override(&cfg.GatewaySecretKey, envGatewayKey)
	override(&cfg.CallbackURL, envCallbackURL)
	override(&cfg.RateSourceAddress, envRateSource)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if !cfg.FallbackRate.IsPositive() {
		return nil, errors.New("fallback rate must be positive")
	}
	if cfg.RateTTL <= 0 {
		return nil, errors.New("rate ttl must be positive")
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
