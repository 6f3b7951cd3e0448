package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the service reads from the environment.
type Config struct {
	Port string

	StoreBackend      string // mongo or memory
	MongoURI          string
	MongoDB           string
	MongoTransactions bool

	LockBackend    string // local or redis
	RedisAddress   string
	RedisPassword  string
	RateLimitQueue string
	IssueRateLimit int

	JWTSecret   string
	CORSOrigins []string

	AggregationRadius float64
	AssignMaxAttempts int
	ReclusterInterval time.Duration
	Categories        []string

	LogLevel  string
	LogFormat string
}

// Load reads the environment. Call godotenv.Load first to pick up a .env file.
func Load() (Config, error) {
	cfg := Config{
		Port:           getEnv("PORT", "8080"),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", "mongo")),
		MongoURI:       os.Getenv("MONGODB_URI"),
		MongoDB:        getEnv("MONGODB_DB", "mydb"),
		LockBackend:    strings.ToLower(getEnv("LOCK_BACKEND", "local")),
		RedisAddress:   os.Getenv("REDIS_ADDRESS"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RateLimitQueue: os.Getenv("REDIS_QUEUE_FOR_ISSUE_LIMIT"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.MongoTransactions, err = getBool("MONGODB_TRANSACTIONS", false); err != nil {
		return cfg, err
	}
	if cfg.IssueRateLimit, err = getInt("ISSUE_RATE_LIMIT", 5); err != nil {
		return cfg, err
	}
	if cfg.AssignMaxAttempts, err = getInt("ASSIGN_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.AggregationRadius, err = getFloat("AGGREGATION_RADIUS_METERS", 200); err != nil {
		return cfg, err
	}
	if cfg.ReclusterInterval, err = getDuration("RECLUSTER_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	cfg.Categories = getList("ISSUE_CATEGORIES")
	cfg.CORSOrigins = getList("CORS_ORIGINS")

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "memory":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("please define the MONGODB_URI environment variable")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be mongo or memory, got %q", c.StoreBackend)
	}
	switch c.LockBackend {
	case "local":
	case "redis":
		if c.RedisAddress == "" {
			return fmt.Errorf("LOCK_BACKEND=redis needs REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be local or redis, got %q", c.LockBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is not set")
	}
	if c.AggregationRadius <= 0 {
		return fmt.Errorf("AGGREGATION_RADIUS_METERS must be positive")
	}
	if c.ReclusterInterval <= 0 {
		return fmt.Errorf("RECLUSTER_INTERVAL must be positive")
	}
	return nil
}

// RateLimitEnabled reports whether issue creation is throttled through Redis.
func (c Config) RateLimitEnabled() bool {
	return c.RedisAddress != "" && c.RateLimitQueue != "" && c.IssueRateLimit > 0
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
