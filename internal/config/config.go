// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	CryptoPayAddress  string        `env:"CRYPTOPAY_API_ADDRESS"`
	CryptoPayToken    string        `env:"CRYPTOPAY_API_TOKEN"`
	CryptoPayAsset    string        `env:"CRYPTOPAY_ASSET" envDefault:"USDT"`
	TelegramBotToken  string        `env:"TELEGRAM_BOT_TOKEN"`
	AdminToken        string        `env:"ADMIN_TOKEN"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	GatewayTimeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"5s"`
	InvoiceTTL        time.Duration `env:"INVOICE_TTL" envDefault:"30m"`
	ExchangeRateRub   float64       `env:"USDT_RATE" envDefault:"80"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCryptoPayAddress := cfg.CryptoPayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CryptoPayAddress, "g", "", "crypto pay gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCryptoPayAddress != "" {
		cfg.CryptoPayAddress = envCryptoPayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.ExchangeRateRub <= 0 {
		return nil, fmt.Errorf("exchange rate must be positive, got %v", cfg.ExchangeRateRub)
	}

	return cfg, nil
}
