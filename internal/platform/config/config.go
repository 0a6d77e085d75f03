package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// カタログ（Pulp）設定
	Catalog CatalogConfig

	// ルールソース設定
	Rules RulesConfig

	// Git設定
	Git GitConfig

	// ワーカー設定
	Worker WorkerConfig

	// リトライ設定
	Retry RetryConfig

	// 保持期間とメンテナンス
	Retention       time.Duration
	JanitorInterval time.Duration

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// CatalogConfig はコンテンツカタログAPIの設定
type CatalogConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// RulesConfig はUBI設定リポジトリの設定
type RulesConfig struct {
	Source   string // ローカルディレクトリまたはGit URL
	CacheDir string
	Branch   string
}

// GitConfig はGit操作設定
type GitConfig struct {
	SSHKeyPath  string
	SSHPassword string // SSH秘密鍵のパスワード（パスフレーズ）
}

// WorkerConfig はワーカープールの設定
type WorkerConfig struct {
	Count             int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LivenessThreshold time.Duration
}

// RetryConfig は一時的な失敗に対する再試行の設定
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  slog.Level
	Format string // "json" or "text"
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "ubi"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ubi_manifest"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Catalog: CatalogConfig{
			URL:        getEnv("CATALOG_URL", "http://localhost:8080/api/v1"),
			Token:      getEnv("CATALOG_TOKEN", ""),
			Timeout:    getEnvAsDuration("CATALOG_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvAsInt("CATALOG_MAX_RETRIES", 3),
		},
		Rules: RulesConfig{
			Source:   getEnv("RULES_SOURCE", "/etc/ubi-manifest/ubi-config"),
			CacheDir: getEnv("RULES_CACHE_DIR", "/var/lib/ubi-manifest/rules"),
			Branch:   getEnv("RULES_BRANCH", ""),
		},
		Git: GitConfig{
			SSHKeyPath:  getEnv("GIT_SSH_KEY_PATH", ""),
			SSHPassword: getEnv("GIT_SSH_PASSWORD", ""),
		},
		Worker: WorkerConfig{
			Count:             getEnvAsInt("WORKER_COUNT", 4),
			PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval: getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 10*time.Second),
			LivenessThreshold: getEnvAsDuration("WORKER_LIVENESS_THRESHOLD", 60*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 5*time.Second),
			MaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 5*time.Minute),
		},
		Retention:       getEnvAsDuration("JOB_RETENTION", 4*time.Hour),
		JanitorInterval: getEnvAsDuration("JANITOR_INTERVAL", time.Minute),
		Log: LogConfig{
			Level:  level,
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be positive: %d", c.Worker.Count)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive: %d", c.Retry.MaxAttempts)
	}
	// ハートビートが生存判定の閾値以上だと、生きているワーカーのジョブが回収されてしまう
	if c.Worker.HeartbeatInterval >= c.Worker.LivenessThreshold {
		return fmt.Errorf("WORKER_HEARTBEAT_INTERVAL (%s) must be shorter than WORKER_LIVENESS_THRESHOLD (%s)",
			c.Worker.HeartbeatInterval, c.Worker.LivenessThreshold)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive: %s", c.Retention)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s", "5m"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
