// Package config loads the server configuration from environment variables.
// cmd/server loads an optional .env file before calling Load.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration of the perp engine server.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL   string
	RedisURL      string
	RedisCacheTTL time.Duration

	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string

	SnowflakeNode int64

	// open-interest caps in base units; zero disables a cap
	MaxOIPerMarket decimal.Decimal
	MaxOIPerGroup  decimal.Decimal
	GroupPrefixLen int
}

// Load reads the configuration. Unset variables take their defaults;
// malformed values are errors.
func Load() (*Config, error) {
	var err error
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		NATSURL:      os.Getenv("NATS_URL"),
		NATSSubject:  getEnv("NATS_SUBJECT", "perp.curve"),
		KafkaBrokers: getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "perp-curve-records"),
	}

	if cfg.RedisCacheTTL, err = getEnvAsDuration("REDIS_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SnowflakeNode, err = getEnvAsInt64("SNOWFLAKE_NODE", 0); err != nil {
		return nil, err
	}
	if cfg.SnowflakeNode < 0 || cfg.SnowflakeNode > 1023 {
		return nil, errors.New("environment variable SNOWFLAKE_NODE must be in [0, 1023]")
	}
	if cfg.MaxOIPerMarket, err = getEnvAsDecimal("MAX_OI_PER_MARKET", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.MaxOIPerGroup, err = getEnvAsDecimal("MAX_OI_PER_GROUP", decimal.Zero); err != nil {
		return nil, err
	}
	prefix, err := getEnvAsInt64("GROUP_PREFIX_LEN", 3)
	if err != nil {
		return nil, err
	}
	cfg.GroupPrefixLen = int(prefix)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) (int64, error) {
	valueStr, ok := os.LookupEnv(key)
	if !ok || valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, ok := os.LookupEnv(key)
	if !ok || valueStr == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	valueStr, ok := os.LookupEnv(key)
	if !ok || valueStr == "" {
		return fallback, nil
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil || value.IsNegative() {
		return decimal.Zero, errors.New("environment variable " + key + " must be a non-negative decimal, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
