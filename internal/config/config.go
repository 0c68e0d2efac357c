package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	ListenAddr              string
	DatabaseURL             string
	RedisAddr               string
	SessionCacheTTLMinutes  int
	CORSAllowedOrigins      []string
	APIKey                  string
	StravaBaseURL           string
	StravaAccessToken       string
	StravaRefreshToken      string
	StravaClientID          string
	StravaClientSecret      string
	RemoteRequestsPerSec    float64
	RemoteBurst             int
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	EvictIntervalMinutes    int
	ActivityRetentionDays   int
	WeeklyMaxWeeks          int
	WeeklyPaceMillis        int
	S3Region                string
	S3Endpoint              string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
}

func Load() Config {
	port := envOrDefault("ACTIVITYCACHE_PORT", "8080")

	return Config{
		ListenAddr:              ":" + port,
		DatabaseURL:             databaseURL(),
		RedisAddr:               redisAddr(),
		SessionCacheTTLMinutes:  envOrDefaultInt("SESSION_CACHE_TTL_MINUTES", 0),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		APIKey:                  os.Getenv("API_KEY"),
		StravaBaseURL:           envOrDefault("STRAVA_BASE_URL", ""),
		StravaAccessToken:       os.Getenv("STRAVA_ACCESS_TOKEN"),
		StravaRefreshToken:      os.Getenv("STRAVA_REFRESH_TOKEN"),
		StravaClientID:          os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret:      os.Getenv("STRAVA_CLIENT_SECRET"),
		RemoteRequestsPerSec:    envOrDefaultFloat("REMOTE_REQUESTS_PER_SEC", 2),
		RemoteBurst:             envOrDefaultInt("REMOTE_BURST", 4),
		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),
		EvictIntervalMinutes:    envOrDefaultInt("EVICT_INTERVAL_MINUTES", 0),
		ActivityRetentionDays:   envOrDefaultInt("ACTIVITY_RETENTION_DAYS", 90),
		WeeklyMaxWeeks:          envOrDefaultInt("WEEKLY_MAX_WEEKS", 52),
		WeeklyPaceMillis:        envOrDefaultInt("WEEKLY_PACE_MILLIS", 500),
		S3Region:                envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:              os.Getenv("S3_ENDPOINT"),
		S3AccessKey:             envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:             envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                envOrDefault("S3_BUCKET", ""),
	}
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "activitycache")
	password := envOrDefault("POSTGRES_PASSWORD", "activitycache")
	database := envOrDefault("POSTGRES_DB", "activitycache")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
