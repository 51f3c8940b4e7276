package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Admin     AdminConfig
	Media     MediaConfig
	AWS       AWSConfig
	Analytics AnalyticsConfig
	Debug     DebugConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings (rate-limit counters).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds token signing and validation settings.
type JWTConfig struct {
	Secret                  string
	Issuer                  string
	SessionTTLHours         int
	RefreshThresholdMinutes int // sliding refresh when less than this remains
	SocketTokenTTLMinutes   int
}

// AdminConfig holds the bootstrap admin credentials used before any ADMIN
// user exists. The password hash may be overridden via AppConfig.
type AdminConfig struct {
	LoginName    string
	PasswordHash string // bcrypt
}

// MediaConfig holds the external media/SFU service endpoint.
type MediaConfig struct {
	BaseURL       string
	InternalToken string // bearer token for internal calls
	TimeoutSec    int
}

// AWSConfig holds AWS credentials and the assets bucket. S3 storage is
// disabled when Region is empty.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	AssetsBucket         string
	PresignExpireMinutes int
}

// AnalyticsConfig holds sampling and retention settings.
type AnalyticsConfig struct {
	SampleIntervalSec  int
	RetentionDays      int
	CleanupIntervalMin int
	MaxCompareSessions int
}

// DebugConfig holds the debug-mode flag and whether it may be toggled at runtime.
type DebugConfig struct {
	Enabled   bool
	CanToggle bool
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "liveaudio"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:                  getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer:                  getEnv("JWT_ISSUER", "liveaudio-api"),
			SessionTTLHours:         getEnvInt("SESSION_TTL_HOURS", 12),
			RefreshThresholdMinutes: getEnvInt("SESSION_REFRESH_THRESHOLD_MINUTES", 60),
			SocketTokenTTLMinutes:   getEnvInt("SOCKET_TOKEN_TTL_MINUTES", 5),
		},
		Admin: AdminConfig{
			LoginName:    getEnv("ADMIN_LOGIN_NAME", "admin"),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		Media: MediaConfig{
			BaseURL:       getEnv("MEDIA_BASE_URL", "http://localhost:4000"),
			InternalToken: getEnv("MEDIA_INTERNAL_TOKEN", ""),
			TimeoutSec:    getEnvInt("MEDIA_TIMEOUT_SEC", 5),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AssetsBucket:         getEnv("AWS_S3_ASSETS_BUCKET", "liveaudio-assets"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Analytics: AnalyticsConfig{
			SampleIntervalSec:  getEnvInt("ANALYTICS_SAMPLE_INTERVAL_SEC", 10),
			RetentionDays:      getEnvInt("ANALYTICS_RETENTION_DAYS", 30),
			CleanupIntervalMin: getEnvInt("ANALYTICS_CLEANUP_INTERVAL_MIN", 60),
			MaxCompareSessions: getEnvInt("ANALYTICS_MAX_COMPARE_SESSIONS", 8),
		},
		Debug: DebugConfig{
			Enabled:   getEnvBool("DEBUG_MODE", false),
			CanToggle: getEnvBool("DEBUG_MODE_MUTABLE", true),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
