package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	AdminAddr   string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	AWSRegion     string
	UsageQueueURL string
	AlertTopicARN string
	OTLPEndpoint  string
	EncryptionKey string

	// Request handling limits.
	MaxMessageBytes int
	StreamTimeout   time.Duration

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		AdminAddr:       getEnv("ADMIN_ADDR", ":8081"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		UsageQueueURL:   getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:   getEnv("ALERT_TOPIC_ARN", ""),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		MaxMessageBytes: getIntEnv("MAX_MESSAGE_BYTES", 64*1024),
		StreamTimeout:   getDurationEnv("STREAM_TIMEOUT", 5*time.Minute),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
