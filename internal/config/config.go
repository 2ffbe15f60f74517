package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"dukapos/backend/internal/mpesa"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DefaultLocationID string
	TrackLocations    bool
	DefaultTaxRate    decimal.Decimal

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	Mpesa               mpesa.Config
	CorrelationTTL      time.Duration
	SweepInterval       time.Duration
	DisabledFeatures    string
	PubSubProjectID     string
	PubSubTaxTopic      string
	PubSubCredentials   string
	IntegrationParallel int

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the process environment. Values
// already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE", "16"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.NewFromInt(16)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DefaultLocationID:     getEnv("DEFAULT_LOCATION_ID", "main"),
		TrackLocations:        getBool("TRACK_LOCATIONS", false),
		DefaultTaxRate:        taxRate,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		Mpesa: mpesa.Config{
			Environment:    getEnv("MPESA_ENVIRONMENT", "sandbox"),
			ConsumerKey:    strings.TrimSpace(os.Getenv("MPESA_CONSUMER_KEY")),
			ConsumerSecret: strings.TrimSpace(os.Getenv("MPESA_CONSUMER_SECRET")),
			Passkey:        strings.TrimSpace(os.Getenv("MPESA_PASSKEY")),
			Shortcode:      strings.TrimSpace(os.Getenv("MPESA_SHORTCODE")),
			CallbackURL:    strings.TrimSpace(os.Getenv("MPESA_CALLBACK_URL")),
		},
		CorrelationTTL:      time.Duration(getPositiveInt("MPESA_CORRELATION_TTL_MINUTES", 10)) * time.Minute,
		SweepInterval:       time.Duration(getPositiveInt("MPESA_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		DisabledFeatures:    os.Getenv("FEATURES_DISABLED"),
		PubSubProjectID:     strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")),
		PubSubTaxTopic:      strings.TrimSpace(os.Getenv("PUBSUB_TAX_TOPIC")),
		PubSubCredentials:   os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		IntegrationParallel: getPositiveInt("INTEGRATION_MAX_CONCURRENT", 8),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
