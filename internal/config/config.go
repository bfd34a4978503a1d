package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Credential encryption
	AppKey string

	// Docker
	DockerHost       string
	DockerAPIVersion string
	DockerImage      string
	CodePath         string
	CodeRepo         string

	// Bridge
	BridgeHost     string
	BridgeUsername string
	BridgePassword string
	BridgeTimeout  time.Duration
	IPWhitelist    string
	Passwords      string

	// Port allocation
	PortStart      int
	PortEnd        int
	PortLeaseTTL   time.Duration
	PortLeaseStore string

	// Health check
	HealthTimeout  time.Duration
	HealthInterval time.Duration

	// Webhook
	WebhookTimeout      time.Duration
	WebhookAllowPrivate bool

	// Listener
	ListenerIdleTimeout   time.Duration
	ListenerCheckInterval time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Cleanup
	CleanupInterval time.Duration

	// Server
	ServerPort string
}

// ポート予約の保存先。
const (
	LeaseStorePostgres = "postgres"
	LeaseStoreMemory   = "memory"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AppKey = os.Getenv("APP_KEY")
	if cfg.AppKey == "" {
		missing = append(missing, "APP_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.AppKey) < 16 {
		return nil, fmt.Errorf("APP_KEY must be at least 16 characters")
	}

	// Optional fields with defaults
	cfg.DockerHost = getEnvString("DOCKER_HOST", "unix:///var/run/docker.sock")
	cfg.DockerAPIVersion = getEnvString("DOCKER_API_VERSION", "v1.43")
	cfg.DockerImage = getEnvString("TAS_DOCKER_IMAGE", "xtrime/telegram-api-server:latest")
	cfg.CodePath = getEnvString("TAS_CODE_PATH", "")
	cfg.CodeRepo = getEnvString("TAS_CODE_REPO", "https://github.com/xtrime-ru/TelegramApiServer.git")

	cfg.BridgeHost = getEnvString("TAS_BRIDGE_HOST", "127.0.0.1")
	cfg.BridgeUsername = getEnvString("TAS_API_USERNAME", "admin")
	cfg.BridgePassword = getEnvString("TAS_API_PASSWORD", "admin")
	cfg.BridgeTimeout = getEnvDuration("TAS_BRIDGE_TIMEOUT", 30*time.Second)
	cfg.IPWhitelist = getEnvString("TAS_IP_WHITELIST", "127.0.0.1")
	cfg.Passwords = getEnvString("TAS_PASSWORDS", `{"admin":"admin"}`)

	cfg.PortStart = getEnvInt("TAS_PORT_START", 9510)
	cfg.PortEnd = getEnvInt("TAS_PORT_END", 9600)
	cfg.PortLeaseTTL = getEnvDuration("TAS_PORT_LEASE_TTL", 5*time.Minute)
	if cfg.PortStart <= 0 || cfg.PortEnd < cfg.PortStart || cfg.PortEnd > 65535 {
		return nil, fmt.Errorf("invalid port range: %d-%d", cfg.PortStart, cfg.PortEnd)
	}
	// memory は単一レプリカ構成でのみ使う
	cfg.PortLeaseStore = getEnvString("TAS_PORT_LEASE_STORE", LeaseStorePostgres)
	if cfg.PortLeaseStore != LeaseStorePostgres && cfg.PortLeaseStore != LeaseStoreMemory {
		return nil, fmt.Errorf("invalid TAS_PORT_LEASE_STORE: %q", cfg.PortLeaseStore)
	}

	cfg.HealthTimeout = getEnvDuration("TAS_HEALTH_TIMEOUT", 30*time.Second)
	cfg.HealthInterval = getEnvDuration("TAS_HEALTH_INTERVAL", 2*time.Second)

	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.WebhookAllowPrivate = getEnvBool("WEBHOOK_ALLOW_PRIVATE", false)

	cfg.ListenerIdleTimeout = getEnvDuration("LISTENER_IDLE_TIMEOUT", 300*time.Second)
	cfg.ListenerCheckInterval = getEnvDuration("LISTENER_CHECK_INTERVAL", 30*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

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

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultVal
	}
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
