package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultDBPath = "./dev.db"
	defaultPort   = "8080"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	AppEnv   string
	DBPath   string
	Port     string
	LogLevel string

	JWTSecret string

	// RedisURL enables shared idempotency keys; without it keys live in process.
	RedisURL       string
	IdempotencyTTL time.Duration

	// KafkaBrokers enables the event bus; without it updates only reach WebSocket clients.
	KafkaBrokers      []string
	KafkaEventsTopic  string
	KafkaSignalsTopic string
	KafkaGroupID      string

	AutoReview         bool
	SeedPrinters       bool
	QuoteSweepInterval time.Duration
	ProgressInterval   time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads environment variables and returns a populated Config.
func Load() Config {
	// Best-effort: a missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		DBPath:             getEnv("DB_PATH", defaultDBPath),
		Port:               getEnv("PORT", defaultPort),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RedisURL:           os.Getenv("REDIS_URL"),
		IdempotencyTTL:     getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaEventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", "production-events"),
		KafkaSignalsTopic:  getEnv("KAFKA_SIGNALS_TOPIC", "production-signals"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "printworks-engine"),
		AutoReview:         getEnvAsBool("AUTO_REVIEW", false),
		SeedPrinters:       getEnvAsBool("SEED_PRINTERS", false),
		QuoteSweepInterval: getEnvAsDuration("QUOTE_SWEEP_INTERVAL", 15*time.Minute),
		ProgressInterval:   getEnvAsDuration("PROGRESS_INTERVAL", 30*time.Second),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 10),
	}

	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is not set")
	}
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is not set, idempotency keys are kept in process")
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn().Msg("KAFKA_BROKERS is not set, the event bus is disabled")
	}

	return cfg
}

// IsDev reports whether the process runs in local development.
func (c Config) IsDev() bool {
	return c.AppEnv == "" || c.AppEnv == "development" || c.AppEnv == "dev"
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
