// Package config reads process configuration from the environment and, for
// the CLI, from a viper-managed config file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString returns the value of key, or fallback when the variable is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt returns key parsed as an integer.
func GetInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

// GetBool returns key parsed with strconv.ParseBool.
func GetBool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}

// GetDuration returns key as a duration ("5s", "250ms"). Bare integers are seconds.
func GetDuration(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, parseDuration)
}

func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// lookup parses key with parse, keeping fallback when it is unset, blank or invalid.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := parse(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("ignoring invalid environment value", "key", key, "error", err)
		return fallback
	}
	return parsed
}
