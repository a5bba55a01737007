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

// Config holds all the configuration variables for the donation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string  `mapstructure:"SERVER_PORT"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	RedisURL                string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string  `mapstructure:"RABBITMQ_URL"`
	WalletServiceURL        string  `mapstructure:"WALLET_SERVICE_URL"`
	WalletServiceAPIKey     string  `mapstructure:"WALLET_SERVICE_INTERNAL_API_KEY"`
	AuthJWKSURL             string  `mapstructure:"AUTH_JWKS_URL"`
	CardFeePercent          float64 `mapstructure:"CARD_FEE_PERCENT"`
	PayPalFeePercent        float64 `mapstructure:"PAYPAL_FEE_PERCENT"`
	PayPalVerifyURL         string  `mapstructure:"PAYPAL_VERIFY_URL"`
	SignatureToleranceSecs  int     `mapstructure:"SIGNATURE_TOLERANCE_SECONDS"`
	WebhookMaxRetries       int     `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookRetryBatchSize   int     `mapstructure:"WEBHOOK_RETRY_BATCH_SIZE"`
	WebhookSweepSchedule    string  `mapstructure:"WEBHOOK_SWEEP_SCHEDULE"`
	WebhookPurgeSchedule    string  `mapstructure:"WEBHOOK_PURGE_SCHEDULE"`
	WebhookRetentionDays    int     `mapstructure:"WEBHOOK_RETENTION_DAYS"`
	WebhookRateLimitPerMin  int     `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	RetryInitialDelayMillis int     `mapstructure:"RETRY_INITIAL_DELAY_MS"`
	RetryMaxDelayMillis     int     `mapstructure:"RETRY_MAX_DELAY_MS"`
	RetryMultiplier         float64 `mapstructure:"RETRY_MULTIPLIER"`
}

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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "givly:rate_limit")
	viper.SetDefault("CARD_FEE_PERCENT", 2.9)
	viper.SetDefault("PAYPAL_FEE_PERCENT", 3.4)
	viper.SetDefault("SIGNATURE_TOLERANCE_SECONDS", 300)
	viper.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	viper.SetDefault("WEBHOOK_RETRY_BATCH_SIZE", 50)
	viper.SetDefault("WEBHOOK_SWEEP_SCHEDULE", "@every 2s")
	viper.SetDefault("WEBHOOK_PURGE_SCHEDULE", "@daily")
	viper.SetDefault("WEBHOOK_RETENTION_DAYS", 30)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("RETRY_INITIAL_DELAY_MS", 1000)
	viper.SetDefault("RETRY_MAX_DELAY_MS", 30000)
	viper.SetDefault("RETRY_MULTIPLIER", 2.0)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DONATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WALLET_SERVICE_URL")
	_ = viper.BindEnv("WALLET_SERVICE_INTERNAL_API_KEY", "WALLET_SERVICE_INTERNAL_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("CARD_FEE_PERCENT")
	_ = viper.BindEnv("PAYPAL_FEE_PERCENT")
	_ = viper.BindEnv("PAYPAL_VERIFY_URL")
	_ = viper.BindEnv("SIGNATURE_TOLERANCE_SECONDS")
	_ = viper.BindEnv("WEBHOOK_MAX_RETRIES")
	_ = viper.BindEnv("WEBHOOK_RETRY_BATCH_SIZE")
	_ = viper.BindEnv("WEBHOOK_SWEEP_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_PURGE_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_RETENTION_DAYS")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RETRY_INITIAL_DELAY_MS")
	_ = viper.BindEnv("RETRY_MAX_DELAY_MS")
	_ = viper.BindEnv("RETRY_MULTIPLIER")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "givly:rate_limit"
	}

	if config.CardFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative card fee percent configured; coercing to zero\" fee_percent=%f", config.CardFeePercent)
		config.CardFeePercent = 0
	}
	if config.PayPalFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative paypal fee percent configured; coercing to zero\" fee_percent=%f", config.PayPalFeePercent)
		config.PayPalFeePercent = 0
	}
	if config.CardFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"card fee percent too high; capping at 100\" fee_percent=%f", config.CardFeePercent)
		config.CardFeePercent = 100
	}
	if config.PayPalFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"paypal fee percent too high; capping at 100\" fee_percent=%f", config.PayPalFeePercent)
		config.PayPalFeePercent = 100
	}

	if config.SignatureToleranceSecs <= 0 {
		config.SignatureToleranceSecs = 300
	}
	if config.WebhookMaxRetries <= 0 {
		config.WebhookMaxRetries = 3
	}
	if config.WebhookRetryBatchSize <= 0 {
		config.WebhookRetryBatchSize = 50
	}
	if strings.TrimSpace(config.WebhookSweepSchedule) == "" {
		config.WebhookSweepSchedule = "@every 2s"
	}
	if strings.TrimSpace(config.WebhookPurgeSchedule) == "" {
		config.WebhookPurgeSchedule = "@daily"
	}
	if config.WebhookRetentionDays <= 0 {
		config.WebhookRetentionDays = 30
	}
	if config.WebhookRateLimitPerMin <= 0 {
		config.WebhookRateLimitPerMin = 600
	}
	if config.RetryInitialDelayMillis <= 0 {
		config.RetryInitialDelayMillis = 1000
	}
	if config.RetryMaxDelayMillis <= 0 {
		config.RetryMaxDelayMillis = 30000
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = 2.0
	}

	return
}
