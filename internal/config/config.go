package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	FrontendURL string `mapstructure:"FRONTEND_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// Typing signals go stale this long after the last input event.
	TypingQuietWindowMS int `mapstructure:"TYPING_QUIET_WINDOW_MS"`

	// Resubscribe backoff bounds for dropped store subscriptions.
	ResubscribeMinBackoffMS int `mapstructure:"RESUBSCRIBE_MIN_BACKOFF_MS"`
	ResubscribeMaxBackoffMS int `mapstructure:"RESUBSCRIBE_MAX_BACKOFF_MS"`
	ResubscribeMaxRetries   int `mapstructure:"RESUBSCRIBE_MAX_RETRIES"`

	// R2 / S3 for message attachments
	R2AccountID       string `mapstructure:"R2_ACCOUNT_ID"`
	R2AccessKeyID     string `mapstructure:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey string `mapstructure:"R2_SECRET_ACCESS_KEY"`
	R2BucketName      string `mapstructure:"R2_BUCKET_NAME"`
	R2PublicURL       string `mapstructure:"R2_PUBLIC_URL"` // Custom domain
}

var AppConfig *Config

func LoadConfig() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("TYPING_QUIET_WINDOW_MS", 2000)
	viper.SetDefault("RESUBSCRIBE_MIN_BACKOFF_MS", 250)
	viper.SetDefault("RESUBSCRIBE_MAX_BACKOFF_MS", 8000)
	viper.SetDefault("RESUBSCRIBE_MAX_RETRIES", 8)

	if err := viper.ReadInConfig(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("Unable to decode config: %v", err)
	}
}

func (c *Config) TypingQuietWindow() time.Duration {
	return time.Duration(c.TypingQuietWindowMS) * time.Millisecond
}

func (c *Config) ResubscribeMinBackoff() time.Duration {
	return time.Duration(c.ResubscribeMinBackoffMS) * time.Millisecond
}

func (c *Config) ResubscribeMaxBackoff() time.Duration {
	return time.Duration(c.ResubscribeMaxBackoffMS) * time.Millisecond
}
