package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Redis       RedisConfig               `json:"redis"`
	Chat        ChatConfig                `json:"chat"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	CORSOrigins   string `json:"cors_origins"`
	LogDir        string `json:"log_dir"`
	LogLevel      string `json:"log_level"`
	LogMaxSizeMB  int    `json:"log_max_size_mb"`
	LogMaxAgeDays int    `json:"log_max_age_days"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ChatConfig struct {
	Provider      string `json:"provider"`
	SystemPrompt  string `json:"system_prompt"`
	ContextWindow int    `json:"context_window"`
	DefaultTitle  string `json:"default_title"`
	QualityCheck  bool   `json:"quality_check"`
}

const (
	DefaultContextWindow = 20
	DefaultTitle         = "New Chat"
	DefaultSystemPrompt  = "You are a friendly, professional AI assistant. Answer the user's questions concisely and accurately."
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.ContextWindow <= 0 {
		c.Chat.ContextWindow = DefaultContextWindow
	}
	if c.Chat.DefaultTitle == "" {
		c.Chat.DefaultTitle = DefaultTitle
	}
	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = DefaultSystemPrompt
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = "openai"
	}
	if c.BasicConfig.LogDir == "" {
		c.BasicConfig.LogDir = "logs"
	}
	if c.BasicConfig.LogMaxSizeMB <= 0 {
		c.BasicConfig.LogMaxSizeMB = 10
	}
	if c.BasicConfig.LogMaxAgeDays <= 0 {
		c.BasicConfig.LogMaxAgeDays = 7
	}
}

// CORSOriginList splits the configured comma-separated origins.
func (c *Config) CORSOriginList() []string {
	if c.BasicConfig.CORSOrigins == "" {
		return []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	parts := strings.Split(c.BasicConfig.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
