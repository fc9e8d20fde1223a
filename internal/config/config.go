package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreDriver string // "postgres" or "memory"
	DBSource    string
	RedisAddr   string
	RedisPass   string
	Port        string
	Env         string

	JWTSecret       string
	SessionTTL      time.Duration
	CodeTTL         time.Duration
	MaxLoginFails   int
	MaxCodeAttempts int
	LockWait        time.Duration
}

func Load() (*Config, error) {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver:     getEnv("STORE_DRIVER", "postgres"),
		DBSource:        os.Getenv("DB_SOURCE"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPass:       os.Getenv("REDIS_PASSWORD"),
		Port:            getEnv("SERVER_PORT", "8080"),
		Env:             getEnv("ENVIRONMENT", "development"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		SessionTTL:      getDuration("SESSION_TTL", 30*time.Minute),
		CodeTTL:         getDuration("CODE_TTL", 5*time.Minute),
		MaxLoginFails:   getInt("MAX_LOGIN_FAILURES", 5),
		MaxCodeAttempts: getInt("MAX_CODE_ATTEMPTS", 3),
		LockWait:        getDuration("LOCK_WAIT", 2*time.Second),
	}

	if cfg.StoreDriver == "postgres" && cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required when STORE_DRIVER=postgres")
	}
	if cfg.JWTSecret == "" {
		if cfg.Env != "development" {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required outside development")
		}
		cfg.JWTSecret = "dev-only-secret"
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
