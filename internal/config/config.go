// Package config loads the service's environment-variable configuration
// into a typed struct, constructed once at startup per spec.md's guidance
// to prefer explicit dependency injection over ambient global state.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"imagevariant/internal/apierr"
)

func init() {
	if err := godotenv.Load(); err != nil {
		// Fine in production where env vars are set directly by the platform.
		log.Println("No .env file found or error loading it, using system environment variables")
	}
}

// Config holds every recognized option from spec.md §6.5 plus the ambient
// knobs (log level, worker tuning, S3 endpoint) a complete service needs.
type Config struct {
	AppPort int

	// Metadata store. MongoDBURI/DBName are kept as named env vars for
	// interface parity with spec.md; MongoDBURI is used as the Postgres DSN.
	// DBName is loaded but not read by the Postgres adapter.
	MongoDBURI string
	DBName     string

	// Object store (S3-compatible; generalizes the spec's R2 deployment).
	AWSRegion          string
	S3BucketName       string
	S3PublicURL        string
	S3EndpointURL      string
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	// Queue broker.
	RedisHost     string
	RedisPort     int
	RedisPassword string

	AllowedOrigins    []string
	RateLimitMax      int
	RateLimitDuration time.Duration
	ResizedImagePath  string
	NodeEnv           string
	LogLevel          string

	// Worker tuning (spec.md §4.3/§5 defaults).
	WorkerConcurrency  int
	LockDuration       time.Duration
	StalledInterval    time.Duration
	MaxStalledCount    int
	QueueAttempts      int
	QueueBackoffBaseMS int
	MaxRequeues        int
}

// Load reads the process environment into a Config, applying the defaults
// spec.md documents for each key.
func Load() (*Config, error) {
	c := &Config{
		AppPort:            envInt("APP_PORT", 3000),
		MongoDBURI:         os.Getenv("MONGODB_URI"),
		DBName:             os.Getenv("DB_NAME"),
		AWSRegion:          getEnv("AWS_REGION", "auto"),
		S3BucketName:       os.Getenv("S3_BUCKET_NAME"),
		S3PublicURL:        os.Getenv("S3_PUBLIC_URL"),
		S3EndpointURL:      os.Getenv("S3_ENDPOINT_URL"),
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          envInt("REDIS_PORT", 6379),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		AllowedOrigins:     GetAllowedOrigins(),
		RateLimitMax:       envInt("RATE_LIMIT_MAX", 50),
		RateLimitDuration:  time.Duration(envInt("RATE_LIMIT_DURATION", 1)) * time.Second,
		ResizedImagePath:   os.Getenv("RESIZED_IMAGE_PATH"),
		NodeEnv:            getEnv("NODE_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		WorkerConcurrency:  envInt("WORKER_CONCURRENCY", 2),
		LockDuration:       time.Duration(envInt("QUEUE_LOCK_DURATION_SEC", 300)) * time.Second,
		StalledInterval:    time.Duration(envInt("QUEUE_STALLED_INTERVAL_SEC", 60)) * time.Second,
		MaxStalledCount:    envInt("QUEUE_MAX_STALLED_COUNT", 2),
		QueueAttempts:      envInt("QUEUE_ATTEMPTS", 3),
		QueueBackoffBaseMS: envInt("QUEUE_BACKOFF_BASE_MS", 2000),
		MaxRequeues:        envInt("MAX_REQUEUES", 2),
	}

	if c.DBName == "" && c.MongoDBURI == "" {
		return nil, fmt.Errorf("%w: MONGODB_URI (or DB_NAME) is required", apierr.ErrFatalConfig)
	}
	if c.S3BucketName == "" {
		return nil, fmt.Errorf("%w: S3_BUCKET_NAME is required", apierr.ErrFatalConfig)
	}

	return c, nil
}

// GetAllowedOrigins returns a slice of allowed origins from the environment
// variable. It defaults to localhost:3000 if not set.
func GetAllowedOrigins() []string {
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		return []string{"http://localhost:3000"}
	}

	parts := strings.Split(originsStr, ",")
	var origins []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
