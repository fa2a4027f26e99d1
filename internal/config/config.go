package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	StripeSecretKey     string
	StripeWebhookSecret string

	// TriggerJWTSecret verifies the external scheduler's signed job-trigger
	// requests.
	TriggerJWTSecret string

	ConferencingBaseURL string

	Payout   PayoutConfig
	Liveness LivenessConfig
}

// PayoutConfig carries the money-movement policy knobs. HoldingWindow is a
// legal consumer-protection floor; Load clamps it to at least 24 hours.
type PayoutConfig struct {
	HoldingWindow    time.Duration
	TransferRetryCap int
	SweepMinBalance  int64
}

type LivenessConfig struct {
	TransferSuccessURL string
	TransferFailureURL string
	PayoutSuccessURL   string
	PayoutFailureURL   string
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	holding := getenvDuration("PAYOUT_HOLDING_WINDOW", 24*time.Hour)
	if holding < 24*time.Hour {
		holding = 24 * time.Hour
	}

	return Config{
		AppName:     getenv("APP_SERVICE", "expertpay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "expertpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		TriggerJWTSecret:    strings.TrimSpace(getenv("TRIGGER_JWT_SECRET", "")),

		ConferencingBaseURL: strings.TrimRight(getenv("CONFERENCING_BASE_URL", "https://meet.expertpay.app"), "/"),

		Payout: PayoutConfig{
			HoldingWindow:    holding,
			TransferRetryCap: getenvInt("TRANSFER_RETRY_CAP", 3),
			SweepMinBalance:  getenvInt64("PAYOUT_SWEEP_MIN_BALANCE", 100),
		},
		Liveness: LivenessConfig{
			TransferSuccessURL: strings.TrimSpace(getenv("LIVENESS_TRANSFER_SUCCESS_URL", "")),
			TransferFailureURL: strings.TrimSpace(getenv("LIVENESS_TRANSFER_FAILURE_URL", "")),
			PayoutSuccessURL:   strings.TrimSpace(getenv("LIVENESS_PAYOUT_SUCCESS_URL", "")),
			PayoutFailureURL:   strings.TrimSpace(getenv("LIVENESS_PAYOUT_FAILURE_URL", "")),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
