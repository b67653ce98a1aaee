package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keybot/internal/constants"

	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Keys         KeysConfig         `mapstructure:"keys"`
	LinkIssuer   LinkIssuerConfig   `mapstructure:"linkissuer"`
	Verification VerificationConfig `mapstructure:"verification"`
	Security     SecurityConfig     `mapstructure:"security"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS 白名單
}

// GRPCConfig gRPC 健康檢查服務配置.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// StorageConfig 文件儲存配置.
type StorageConfig struct {
	Backend         string       `mapstructure:"backend"` // github, mongo, redis, memory
	TimeoutSeconds  int          `mapstructure:"timeout_seconds"`
	ConflictRetries int          `mapstructure:"conflict_retries"`
	GitHub          GitHubConfig `mapstructure:"github"`
	Mongo           MongoConfig  `mapstructure:"mongo"`
	Redis           RedisConfig  `mapstructure:"redis"`
}

// GitHubConfig GitHub contents API 配置.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	Branch  string `mapstructure:"branch"`
	Path    string `mapstructure:"path"`
	BaseURL string `mapstructure:"base_url"` // GitHub Enterprise 或測試用
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Collection             string `mapstructure:"collection"`
	DocumentID             string `mapstructure:"document_id"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// RedisConfig Redis 配置.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// KeysConfig 金鑰配置.
type KeysConfig struct {
	Prefix        string  `mapstructure:"prefix"`
	TTLSeconds    int     `mapstructure:"ttl_seconds"`
	PrivilegedIDs []int64 `mapstructure:"privileged_ids"` // 第一個為 owner
}

// LinkIssuerConfig 廣告連結服務配置.
type LinkIssuerConfig struct {
	LinkURL        string `mapstructure:"link_url"`
	APIBase        string `mapstructure:"api_base"`
	APIKey         string `mapstructure:"api_key"`
	PublisherID    string `mapstructure:"publisher_id"`
	LinkID         string `mapstructure:"link_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// VerificationConfig 驗證策略配置.
type VerificationConfig struct {
	Mode   string `mapstructure:"mode"`   // stub, remote
	Strict bool   `mapstructure:"strict"` // remote 失敗時是否拒絕
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	APIToken string      `mapstructure:"api_token"`
	TLS      TLSConfig   `mapstructure:"tls"`
	Audit    AuditConfig `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig `mapstructure:"request"`
	RateLimiting RateLimitingConfig  `mapstructure:"rate_limiting"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	RequestKeyPerMin int  `mapstructure:"request_key_per_minute"`
	VerifyPerMin     int  `mapstructure:"verify_per_minute"`
}

// TelegramConfig Telegram bot 配置.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	Debug   bool   `mapstructure:"debug"`

	// APIEndpoint 自架 Bot API 伺服器，格式同 https://api.telegram.org/bot%s/%s
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// MaintenanceConfig 維護任務配置.
type MaintenanceConfig struct {
	PruneEnabled   bool   `mapstructure:"prune_enabled"`
	Schedule       string `mapstructure:"schedule"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

// MetricsConfig Prometheus 配置.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var (
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) (*Config, error) {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		cfg := testCfg[0]
		applyDefaults(cfg)
		if err := validateConfig(cfg); err != nil {
			return nil, fmt.Errorf("配置驗證失敗: %w", err)
		}
		return cfg, nil
	}

	// 初始化 Viper
	v := viper.New()
	setViperDefaults(v)

	// 環境變數覆蓋，例如 KEYBOT_STORAGE_GITHUB_TOKEN
	v.SetEnvPrefix("KEYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		// 使用 CONFIG_PATH 指定的檔案
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		// 使用預設的環境配置檔案
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 讀取配置檔案
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	// 將配置綁定到結構體
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}
	applyDefaults(cfg)

	// 驗證配置
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// setViperDefaults 讓環境變數在檔案缺少欄位時也能生效
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "keybot")
	v.SetDefault("app.version", "dev")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.timeout", constants.DefaultRequestTimeout)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", "8081")
	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("storage.backend", "github")
	v.SetDefault("storage.timeout_seconds", constants.DefaultStoreTimeoutSeconds)
	v.SetDefault("storage.conflict_retries", constants.DefaultConflictRetries)
	v.SetDefault("storage.github.token", "")
	v.SetDefault("storage.github.owner", "")
	v.SetDefault("storage.github.repo", "")
	v.SetDefault("storage.github.branch", "main")
	v.SetDefault("storage.github.path", constants.DefaultDocumentPath)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.mongo.url", "")
	v.SetDefault("keys.prefix", constants.DefaultKeyPrefix)
	v.SetDefault("keys.ttl_seconds", constants.DefaultKeyTTLSeconds)
	v.SetDefault("linkissuer.link_url", "")
	v.SetDefault("linkissuer.api_base", "https://work.ink/api/v1")
	v.SetDefault("linkissuer.api_key", "")
	v.SetDefault("linkissuer.link_id", "")
	v.SetDefault("linkissuer.timeout_seconds", 5)
	v.SetDefault("verification.mode", "stub")
	v.SetDefault("security.api_token", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("maintenance.schedule", constants.DefaultPruneSchedule)
	v.SetDefault("maintenance.retention_hours", constants.DefaultPruneRetentionHours)
	v.SetDefault("metrics.enabled", true)
}

// applyDefaults 補齊未設定的欄位
func applyDefaults(cfg *Config) {
	if cfg.Storage.TimeoutSeconds <= 0 {
		cfg.Storage.TimeoutSeconds = constants.DefaultStoreTimeoutSeconds
	}
	if cfg.Storage.GitHub.Path == "" {
		cfg.Storage.GitHub.Path = constants.DefaultDocumentPath
	}
	if cfg.Storage.Mongo.Collection == "" {
		cfg.Storage.Mongo.Collection = constants.DefaultMongoCollection
	}
	if cfg.Storage.Mongo.DocumentID == "" {
		cfg.Storage.Mongo.DocumentID = constants.DefaultDocumentID
	}
	if cfg.Storage.Redis.Key == "" {
		cfg.Storage.Redis.Key = constants.DefaultRedisKey
	}
	if cfg.Keys.Prefix == "" {
		cfg.Keys.Prefix = constants.DefaultKeyPrefix
	}
	if cfg.Keys.TTLSeconds == 0 {
		cfg.Keys.TTLSeconds = constants.DefaultKeyTTLSeconds
	}
	if cfg.Verification.Mode == "" {
		cfg.Verification.Mode = "stub"
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = constants.DefaultPruneSchedule
	}
	if cfg.Maintenance.RetentionHours <= 0 {
		cfg.Maintenance.RetentionHours = constants.DefaultPruneRetentionHours
	}
	if cfg.Limits.Request.MaxBodySize <= 0 {
		cfg.Limits.Request.MaxBodySize = constants.DefaultMaxRequestBodySize
	}
	rl := &cfg.Limits.RateLimiting
	if rl.DefaultPerMinute <= 0 {
		rl.DefaultPerMinute = constants.DefaultRateLimitPerMinute
	}
	if rl.RequestKeyPerMin <= 0 {
		rl.RequestKeyPerMin = constants.DefaultRequestKeyLimit
	}
	if rl.VerifyPerMin <= 0 {
		rl.VerifyPerMin = constants.DefaultVerifyLimit
	}
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	// 驗證應用程式配置
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}

	// 驗證伺服器配置
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	// 驗證儲存配置
	switch cfg.Storage.Backend {
	case "github":
		if cfg.Storage.GitHub.Token == "" {
			return fmt.Errorf("GitHub token 不能為空")
		}
		if cfg.Storage.GitHub.Owner == "" || cfg.Storage.GitHub.Repo == "" {
			return fmt.Errorf("GitHub owner/repo 不能為空")
		}
	case "mongo":
		if cfg.Storage.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Storage.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if cfg.Storage.Mongo.MinPoolSize > cfg.Storage.Mongo.MaxPoolSize && cfg.Storage.Mongo.MaxPoolSize > 0 {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("Redis 地址不能為空")
		}
	case "memory":
	default:
		return fmt.Errorf("不支援的儲存後端: %q", cfg.Storage.Backend)
	}
	if cfg.Storage.ConflictRetries < 0 {
		return fmt.Errorf("衝突重試次數不能為負數")
	}

	// 驗證金鑰配置
	if len(cfg.Keys.Prefix) > constants.MaxKeyPrefixLength {
		return fmt.Errorf("金鑰前綴過長 (最多 %d 字元)", constants.MaxKeyPrefixLength)
	}
	if strings.ContainsAny(cfg.Keys.Prefix, "- \t.$") {
		return fmt.Errorf("金鑰前綴不能包含連字號、空白、'.' 或 '$'")
	}
	if cfg.Keys.TTLSeconds <= 0 {
		return fmt.Errorf("金鑰有效期必須大於 0")
	}

	// 驗證連結配置
	if cfg.LinkIssuer.LinkURL != "" {
		if _, err := url.ParseRequestURI(cfg.LinkIssuer.LinkURL); err != nil {
			return fmt.Errorf("廣告連結格式錯誤: %w", err)
		}
	}
	switch cfg.Verification.Mode {
	case "stub", "remote":
	default:
		return fmt.Errorf("不支援的驗證模式: %q", cfg.Verification.Mode)
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return fmt.Errorf("Telegram token 不能為空")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func (c *Config) IsDebug() bool {
	return c != nil && c.App.Debug
}

// ServerAddr 取得伺服器地址
func (c *Config) ServerAddr() string {
	if c != nil {
		return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
	}
	return "localhost:8080"
}

// GRPCAddr 取得 gRPC 地址
func (c *Config) GRPCAddr() string {
	if c != nil {
		return fmt.Sprintf("%s:%s", c.GRPC.Host, c.GRPC.Port)
	}
	return "localhost:8081"
}

// KeyTTL 金鑰有效期
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.Keys.TTLSeconds) * time.Second
}

// StoreTimeout 儲存操作超時
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Storage.TimeoutSeconds) * time.Second
}

// LinkIssuerTimeout 廣告 API 超時
func (c *Config) LinkIssuerTimeout() time.Duration {
	if c.LinkIssuer.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.LinkIssuer.TimeoutSeconds) * time.Second
}
