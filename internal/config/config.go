package config

import "time"

// Config is the root configuration for pvepilot.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	PVE           PVEConfig           `yaml:"pve"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	FallbackLLM   *LLMConfig          `yaml:"fallback_llm"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	LogLevel     string   `yaml:"log_level"`
	LogFile      string   `yaml:"log_file"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

type AuthConfig struct {
	Enabled    bool            `yaml:"enabled"`
	SecretFile string          `yaml:"secret_file"`
	APITokens  []APITokenEntry `yaml:"api_tokens"`
}

type APITokenEntry struct {
	Name      string `yaml:"name"`
	TokenHash string `yaml:"token_hash"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// PVEConfig holds the Proxmox VE API endpoint and token credentials.
type PVEConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	TokenID     string        `yaml:"token_id"`
	TokenSecret string        `yaml:"token_secret"`
	VerifyTLS   bool          `yaml:"verify_tls"`
	Timeout     time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// MonitorConfig tunes the broadcast feed. BufferLimit 0 keeps observer
// buffers unbounded.
type MonitorConfig struct {
	KeepAlive   time.Duration `yaml:"keep_alive"`
	BufferLimit int           `yaml:"buffer_limit"`
	Overflow    string        `yaml:"overflow"`
}

type AgentConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MCPURL       string `yaml:"mcp_url"`
	MCPToken     string `yaml:"mcp_token"`
	PromptFile   string `yaml:"prompt_file"`
	MaxToolCalls int    `yaml:"max_tool_calls"`
	HistoryLimit int    `yaml:"history_limit"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AlertsConfig routes Alertmanager notifications. With ForwardURL set, alerts
// go to a remote /chat endpoint authenticated with ForwardToken.
type AlertsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ThreadID     int64         `yaml:"thread_id"`
	ForwardURL   string        `yaml:"forward_url"`
	ForwardToken string        `yaml:"forward_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	MCP      MCPNotifyConfig `yaml:"mcp"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type MCPNotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8000,
			LogLevel:     "info",
			CORSOrigins:  []string{"*"},
			MaxBodyBytes: 1 << 20, // 1MB
		},
		Auth: AuthConfig{
			SecretFile: "~/.config/pvepilot/api_token",
		},
		Database: DatabaseConfig{
			Path:          "~/.config/pvepilot/pvepilot.db",
			RetentionDays: 90,
		},
		PVE: PVEConfig{
			Port:    8006,
			Timeout: 30 * time.Second,
		},
		Jobs: JobsConfig{
			PollInterval:   2 * time.Second,
			DefaultTimeout: 300 * time.Second,
			MaxTimeout:     time.Hour,
		},
		Monitor: MonitorConfig{
			KeepAlive: 15 * time.Second,
			Overflow:  "drop_oldest",
		},
		Agent: AgentConfig{
			Enabled:      true,
			MaxToolCalls: 10,
			HistoryLimit: 20,
		},
		LLM: LLMConfig{
			Provider:    "deepseek",
			Model:       "deepseek-chat",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Alerts: AlertsConfig{
			Enabled:  true,
			ThreadID: 999,
			Timeout:  5 * time.Minute,
		},
		Notifications: NotificationsConfig{
			MCP: MCPNotifyConfig{Enabled: true},
		},
	}
}
