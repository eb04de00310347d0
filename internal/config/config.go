/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the market-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	PaymentMode                     string `mapstructure:"PAYMENT_MODE"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	SolanaRPCURL                    string `mapstructure:"SOLANA_RPC_URL"`
	PaymentNetwork                  string `mapstructure:"PAYMENT_NETWORK"`
	USDCMint                        string `mapstructure:"USDC_MINT"`
	MerchantWallet                  string `mapstructure:"MERCHANT_WALLET"`
	ItemServiceURL                  string `mapstructure:"ITEM_SERVICE_URL"`
	ItemServiceInternalAPIKey       string `mapstructure:"ITEM_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	BalanceCacheTTLSeconds          int    `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	SettlementMaxPollAttempts       int    `mapstructure:"SETTLEMENT_MAX_POLL_ATTEMPTS"`
	SettlementPollIntervalMs        int    `mapstructure:"SETTLEMENT_POLL_INTERVAL_MS"`
	ListingFailurePullThreshold     int    `mapstructure:"LISTING_FAILURE_PULL_THRESHOLD"`
	PurchaseRateLimitPerMinute      int    `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
	ListingCreateRateLimitPerMinute int    `mapstructure:"LISTING_CREATE_RATE_LIMIT_PER_MINUTE"`
}

// Payment modes accepted by PAYMENT_MODE.
const (
	PaymentModeSimulated = "simulated"
	PaymentModeSolana    = "solana"
)

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_MODE", PaymentModeSimulated)
	viper.SetDefault("PAYMENT_NETWORK", "solana")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "market:rate_limit")
	viper.SetDefault("BALANCE_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("SETTLEMENT_MAX_POLL_ATTEMPTS", 10)
	viper.SetDefault("SETTLEMENT_POLL_INTERVAL_MS", 2000)
	viper.SetDefault("LISTING_FAILURE_PULL_THRESHOLD", 3)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("LISTING_CREATE_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("PAYMENT_MODE")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SOLANA_RPC_URL")
	_ = viper.BindEnv("PAYMENT_NETWORK")
	_ = viper.BindEnv("USDC_MINT")
	_ = viper.BindEnv("MERCHANT_WALLET")
	_ = viper.BindEnv("ITEM_SERVICE_URL")
	_ = viper.BindEnv("ITEM_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "MARKET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BALANCE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_MAX_POLL_ATTEMPTS")
	_ = viper.BindEnv("SETTLEMENT_POLL_INTERVAL_MS")
	_ = viper.BindEnv("LISTING_FAILURE_PULL_THRESHOLD")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LISTING_CREATE_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("MARKET_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "market:rate_limit"
	}

	config.PaymentMode = strings.ToLower(strings.TrimSpace(config.PaymentMode))
	switch config.PaymentMode {
	case PaymentModeSimulated, PaymentModeSolana:
	default:
		log.Printf("level=warn component=config msg=\"unknown payment mode; falling back to simulated\" payment_mode=%q", config.PaymentMode)
		config.PaymentMode = PaymentModeSimulated
	}

	// Out-of-range tunables coerce to their defaults rather than failing
	// startup.
	if config.BalanceCacheTTLSeconds <= 0 {
		config.BalanceCacheTTLSeconds = 30
	}
	if config.SettlementMaxPollAttempts <= 0 {
		config.SettlementMaxPollAttempts = 10
	}
	if config.SettlementPollIntervalMs <= 0 {
		config.SettlementPollIntervalMs = 2000
	}
	if config.ListingFailurePullThreshold < 0 {
		config.ListingFailurePullThreshold = 3
	}
	if config.PurchaseRateLimitPerMinute < 0 {
		config.PurchaseRateLimitPerMinute = 30
	}
	if config.ListingCreateRateLimitPerMinute < 0 {
		config.ListingCreateRateLimitPerMinute = 10
	}

	return
}
