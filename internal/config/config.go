package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// バックエンド種別
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote
	RemoteBackend string
	DatabaseURL   string

	// Session
	JWTSecret  string
	SessionTTL time.Duration

	// Redis（未設定の場合、セッショントークンはメモリに保持する）
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Sync
	SyncDebounce              time.Duration
	QueryTimeout              time.Duration
	QueryMaxRetries           int
	QueryBaseDelay            time.Duration
	FeedPageSize              int
	BackgroundRefreshInterval time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral  int
	RateLimitMutation int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.RemoteBackend = getEnvString("REMOTE_BACKEND", BackendPostgres)
	switch cfg.RemoteBackend {
	case BackendPostgres, BackendMemory:
	default:
		return nil, fmt.Errorf("REMOTE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.RemoteBackend)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.RemoteBackend == BackendPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.SessionTTL = getEnvDuration("SESSION_TTL", time.Hour)
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.SyncDebounce = getEnvDuration("SYNC_DEBOUNCE", 100*time.Millisecond)
	cfg.QueryTimeout = getEnvDuration("QUERY_TIMEOUT", 10*time.Second)
	cfg.QueryMaxRetries = getEnvInt("QUERY_MAX_RETRIES", 3)
	cfg.QueryBaseDelay = getEnvDuration("QUERY_BASE_DELAY", time.Second)
	cfg.FeedPageSize = getEnvInt("FEED_PAGE_SIZE", 20)
	cfg.BackgroundRefreshInterval = getEnvDuration("BACKGROUND_REFRESH_INTERVAL", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
