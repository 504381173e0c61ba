package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at startup. The distribution
// numbers (life, boost, windows) are policy, not structure, so they are all
// env-overridable.
type Config struct {
	ServerPort  string
	DatabaseURL string
	SecretKey   string

	// Content distribution policy.
	InitialLife       int           // life granted on publish
	SpreadBoost       int           // life added by a spread vote
	StackCapacity     int           // max posts held per user stack
	FeedLookahead     int           // items kept in flight per feed stream
	PoolWindow        time.Duration // max age of a post in the live pool
	StackStaleAfter   time.Duration // unviewed stacks older than this are drained
	SweepInterval     time.Duration // how often the stale-stack sweeper runs
	PositionMaxLength int           // chapter position length that triggers renormalization

	// Concurrency limits.
	TaskWorkers   int // async dispatcher pool size
	StreamWorkers int // concurrent websocket streams allowed

	// Outbound mail (password reset).
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
}

// Load reads the configuration from the environment, falling back to
// defaults suitable for local development.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://drift.db"),
		SecretKey:   getEnv("SECRET_KEY", "dev-secret"),

		InitialLife:       getEnvInt("DRIFT_INITIAL_LIFE", 10),
		SpreadBoost:       getEnvInt("DRIFT_SPREAD_BOOST", 4),
		StackCapacity:     getEnvInt("DRIFT_STACK_CAPACITY", 10),
		FeedLookahead:     getEnvInt("DRIFT_FEED_LOOKAHEAD", 3),
		PoolWindow:        getEnvDuration("DRIFT_POOL_WINDOW", 28*24*time.Hour),
		StackStaleAfter:   getEnvDuration("DRIFT_STACK_STALE_AFTER", 24*time.Hour),
		SweepInterval:     getEnvDuration("DRIFT_SWEEP_INTERVAL", 15*time.Minute),
		PositionMaxLength: getEnvInt("DRIFT_POSITION_MAX_LENGTH", 32),

		TaskWorkers:   getEnvInt("DRIFT_TASK_WORKERS", 4),
		StreamWorkers: getEnvInt("DRIFT_STREAM_WORKERS", 256),

		SMTPHost: getEnv("SMTP_HOST", ""),
		SMTPPort: getEnvInt("SMTP_PORT", 587),
		SMTPUser: getEnv("SMTP_USER", ""),
		SMTPPass: getEnv("SMTP_PASSWORD", ""),
	}
}

// Default returns the built-in policy values without consulting the
// environment. Tests use this.
func Default() *Config {
	return &Config{
		ServerPort:        "8080",
		SecretKey:         "test-secret",
		InitialLife:       10,
		SpreadBoost:       4,
		StackCapacity:     10,
		FeedLookahead:     3,
		PoolWindow:        28 * 24 * time.Hour,
		StackStaleAfter:   24 * time.Hour,
		SweepInterval:     15 * time.Minute,
		PositionMaxLength: 32,
		TaskWorkers:       1,
		StreamWorkers:     4,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARNING: invalid value for %s, using default %d", key, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARNING: invalid duration for %s, using default %s", key, fallback)
		return fallback
	}
	return d
}
