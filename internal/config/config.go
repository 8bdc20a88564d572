package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Quota    QuotaConfig    `yaml:"quota"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	AdminPassword string `yaml:"admin_password"` // "auto" 首次加载时生成并落盘
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// QuotaConfig 配额配置
type QuotaConfig struct {
	MaxQueriesPerHour int `yaml:"max_queries_per_hour"`
	MaxTokensPerDay   int `yaml:"max_tokens_per_day"`
	EstimatedTokens   int `yaml:"estimated_tokens"` // 单次请求预估 token 数
}

// ProviderConfig 上游模型配置
type ProviderConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	Model               string `yaml:"model"`
	AttemptCeiling      int    `yaml:"attempt_ceiling"`
	PerAttemptTimeoutMs int    `yaml:"per_attempt_timeout_ms"`
	MaxResponseTokens   int    `yaml:"max_response_tokens"`
}

// SessionConfig 管理员会话配置
type SessionConfig struct {
	LifetimeMinutes    int `yaml:"lifetime_minutes"`     // 滑动生存期
	MaxLifetimeMinutes int `yaml:"max_lifetime_minutes"` // 绝对上限
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	// 支持通过 "auto" 自动生成管理员口令（首次加载后落盘）
	if maybeGeneratePassword(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

func maybeGeneratePassword(cfg *Config) bool {
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminPassword), "auto") {
		cfg.Server.AdminPassword = generatePassword("casegate-admin")
		return true
	}
	return false
}

func generatePassword(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/casegate.db"
	}
	if cfg.Database.RetentionDays == 0 {
		cfg.Database.RetentionDays = 30
	}
	if cfg.Quota.MaxQueriesPerHour == 0 {
		cfg.Quota.MaxQueriesPerHour = 100
	}
	if cfg.Quota.MaxTokensPerDay == 0 {
		cfg.Quota.MaxTokensPerDay = 500000
	}
	if cfg.Quota.EstimatedTokens == 0 {
		cfg.Quota.EstimatedTokens = 10000
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.openai.com"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gpt-3.5-turbo"
	}
	if cfg.Provider.AttemptCeiling == 0 {
		cfg.Provider.AttemptCeiling = 3
	}
	if cfg.Provider.PerAttemptTimeoutMs == 0 {
		cfg.Provider.PerAttemptTimeoutMs = 30000
	}
	if cfg.Provider.MaxResponseTokens == 0 {
		cfg.Provider.MaxResponseTokens = 1000
	}
	if cfg.Session.LifetimeMinutes == 0 {
		cfg.Session.LifetimeMinutes = 30
	}
	if cfg.Session.MaxLifetimeMinutes == 0 {
		cfg.Session.MaxLifetimeMinutes = 240
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
