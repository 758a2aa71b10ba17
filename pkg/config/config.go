// Package config loads the service configuration from the environment and
// the declarative profile definitions from disk.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	DataDir     string
	RedisURL    string

	MatchingEnabled         bool
	MatchingCreatesContacts bool
	MatchingProfile         string

	KeyMaxAttempts  int
	SignatureLength int
	TokenPepper     string
	JWTSecret       string
	RateLimitRPS    float64
	RateLimitBurst  int
	ProfilesDir     string
	OTelEnabled     bool
	OTelEndpoint    string
	FieldSeparator  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        env("PORT", "8080"),
		LogLevel:    strings.ToUpper(env("LOG_LEVEL", "INFO")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     env("DATA_DIR", "data"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MatchingEnabled:         flag("REMOTECONTACT_MATCHING_ENABLED"),
		MatchingCreatesContacts: flag("REMOTECONTACT_MATCHING_CREATES_CONTACTS"),
		MatchingProfile:         os.Getenv("REMOTECONTACT_MATCHING_PROFILE"),

		KeyMaxAttempts:  intEnv("REMOTEKEY_MAX_ATTEMPTS", 16),
		SignatureLength: intEnv("SECURETOKEN_SIGNATURE_LENGTH", 16),
		TokenPepper:     os.Getenv("SECURETOKEN_PEPPER"),
		JWTSecret:       os.Getenv("API_JWT_SECRET"),
		RateLimitRPS:    floatEnv("API_RATE_LIMIT_RPS", 20),
		RateLimitBurst:  intEnv("API_RATE_LIMIT_BURST", 40),
		ProfilesDir:     env("PROFILES_DIR", "profiles"),
		OTelEnabled:     flag("OTEL_ENABLED"),
		OTelEndpoint:    env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		FieldSeparator:  os.Getenv("API_FIELD_SEPARATOR"),
	}
}

// LiteMode reports whether the embedded sqlite database is used.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == "" || strings.HasPrefix(c.DatabaseURL, "sqlite:")
}

func env(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func flag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func intEnv(name string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func floatEnv(name string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(name)), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
