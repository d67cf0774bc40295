package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	SQLitePath             string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	InvoiceCacheTTLSeconds int
	InvoiceLockTTLSeconds  int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	BootstrapAdminUser     string
	BootstrapAdminPassword string
	LogLevel               string
	LogFormat              string
	AppEnv                 string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		SQLitePath:             strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		InvoiceCacheTTLSeconds: getEnvInt("INVOICE_CACHE_TTL_SECONDS", 30, 0),
		InvoiceLockTTLSeconds:  getEnvInt("INVOICE_LOCK_TTL_SECONDS", 10, 1),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		BootstrapAdminUser:     getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "json")),
		AppEnv:                 strings.ToLower(getEnv("APP_ENV", "production")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

func (c Config) InvoiceCacheTTL() time.Duration {
	return time.Duration(c.InvoiceCacheTTLSeconds) * time.Second
}

func (c Config) InvoiceLockTTL() time.Duration {
	return time.Duration(c.InvoiceLockTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || val < min {
		return fallback
	}
	return val
}
