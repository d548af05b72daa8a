package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the orchestration engine. Values
// here are global defaults; batch-level call settings always override them.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL string

	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	SettingsCacheTTLSeconds int

	ProviderBaseURL    string
	ProviderAPIKey     string
	ProviderAgentID    string
	ProviderTimeoutMS  int
	ProviderMaxRetries int

	BillingBaseURL   string
	BillingAuthToken string
	BillingTimeoutMS int
	QuotaMinUnit     float64

	WorkerEnabled        bool
	WorkerCount          int
	LeaseDurationSeconds int
	PollIntervalSeconds  int
	IdleIntervalMS       int
	StoreBackoffMS       int
	InfraRetrySeconds    int
	PausedRecheckSeconds int

	DefaultMaxAttempts            int
	DefaultRetryDelaySeconds      int
	DefaultMaxCallDurationSeconds int
	DefaultRingTimeoutSeconds     int

	DialRateRPS   float64
	DialRateBurst int

	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadDotEnv loads .env-style files; process environment keeps precedence.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:               getEnv("REDIS_ADDR", ""),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		RedisDB:                 getEnvInt("REDIS_DB", 0),
		SettingsCacheTTLSeconds: getEnvInt("SETTINGS_CACHE_TTL_SECONDS", 300),

		ProviderBaseURL:    getEnv("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:     getEnv("PROVIDER_API_KEY", ""),
		ProviderAgentID:    getEnv("PROVIDER_AGENT_ID", ""),
		ProviderTimeoutMS:  getEnvInt("PROVIDER_TIMEOUT_MS", 15000),
		ProviderMaxRetries: getEnvInt("PROVIDER_MAX_RETRIES", 2),

		BillingBaseURL:   getEnv("BILLING_BASE_URL", ""),
		BillingAuthToken: getEnv("BILLING_AUTH_TOKEN", ""),
		BillingTimeoutMS: getEnvInt("BILLING_TIMEOUT_MS", 5000),
		QuotaMinUnit:     getEnvFloat("QUOTA_MIN_UNIT", 1),

		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		WorkerCount:          getEnvInt("WORKER_COUNT", 4),
		LeaseDurationSeconds: getEnvInt("LEASE_DURATION_SECONDS", 120),
		PollIntervalSeconds:  getEnvInt("POLL_INTERVAL_SECONDS", 15),
		IdleIntervalMS:       getEnvInt("IDLE_INTERVAL_MS", 2000),
		StoreBackoffMS:       getEnvInt("STORE_BACKOFF_MS", 2000),
		InfraRetrySeconds:    getEnvInt("INFRA_RETRY_SECONDS", 30),
		PausedRecheckSeconds: getEnvInt("PAUSED_RECHECK_SECONDS", 300),

		DefaultMaxAttempts:            getEnvInt("DEFAULT_MAX_ATTEMPTS", 3),
		DefaultRetryDelaySeconds:      getEnvInt("DEFAULT_RETRY_DELAY_SECONDS", 3600),
		DefaultMaxCallDurationSeconds: getEnvInt("DEFAULT_MAX_CALL_DURATION_SECONDS", 600),
		DefaultRingTimeoutSeconds:     getEnvInt("DEFAULT_RING_TIMEOUT_SECONDS", 30),

		DialRateRPS:   getEnvFloat("DIAL_RATE_RPS", 5),
		DialRateBurst: getEnvInt("DIAL_RATE_BURST", 10),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
