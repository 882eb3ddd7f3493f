package config

import (
	"strings"
	"time"
)

// DevAPIConfig holds runtime configuration for the local development API.
type DevAPIConfig struct {
	Environment        string
	Addr               string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	WebhookSecret      string
	Users              map[string]string
	Simulate           bool
	SimulateStep       time.Duration
	LogBuffer          int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadDevAPIConfig constructs a DevAPIConfig from environment variables.
func LoadDevAPIConfig() DevAPIConfig {
	return DevAPIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("DEVAPI_ADDR", ":8000"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 30)) * time.Minute,
		WebhookSecret:      GetString("WEBHOOK_SECRET", "supersecret"),
		Users:              ParseUsers(GetString("DEVAPI_USERS", "admin:admin:admin,dev:dev:developer")),
		Simulate:           GetBool("DEVAPI_SIMULATE", true),
		SimulateStep:       GetDuration("DEVAPI_STEP_SECONDS", 3*time.Second),
		LogBuffer:          GetInt("DEVAPI_LOG_BUFFER", 500),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// ParseUsers reads "name:password[:role]" pairs separated by commas.
// The returned map is keyed by username with "password:role" values; role defaults to developer.
func ParseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		role := "developer"
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			role = strings.TrimSpace(parts[2])
		}
		users[strings.TrimSpace(parts[0])] = parts[1] + ":" + role
	}
	return users
}
