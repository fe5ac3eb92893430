package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	llmProviders  = []string{"deepseek", "openai", "openrouter", "local", "anthropic"}
	logLevels     = []string{"debug", "info", "warn", "error"}
	overflowModes = []string{"drop_oldest", "disconnect"}
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/pvepilot/pvepilot.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pvepilot", "pvepilot.yaml"))
	}

	paths = append(paths, "pvepilot.yaml")

	if envPath := os.Getenv("PVEPILOT_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/pvepilot/pvepilot.yaml < ~/.config/pvepilot/pvepilot.yaml < ./pvepilot.yaml < $PVEPILOT_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PVE_HOST"); v != "" {
		cfg.PVE.Host = v
	}
	if v := os.Getenv("PVE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring invalid PVE_PORT", "value", v)
		} else {
			cfg.PVE.Port = port
		}
	}
	if v := os.Getenv("PVE_TOKEN_ID"); v != "" {
		cfg.PVE.TokenID = v
	}
	if v := os.Getenv("PVE_TOKEN_SECRET"); v != "" {
		cfg.PVE.TokenSecret = v
	}

	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" && cfg.LLM.Provider == "deepseek" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("MCP_URL"); v != "" {
		cfg.Agent.MCPURL = v
	}
	if v := os.Getenv("PVE_AGENT_ALERT_URL"); v != "" {
		cfg.Alerts.ForwardURL = v
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" && !cfg.Auth.Enabled {
		return fmt.Errorf("server.host 0.0.0.0 exposes PVE control to the network: set auth.enabled or bind to localhost")
	}

	if !slices.Contains(logLevels, strings.ToLower(cfg.Server.LogLevel)) {
		return fmt.Errorf("server.log_level must be one of %s, got %q", strings.Join(logLevels, ", "), cfg.Server.LogLevel)
	}

	if cfg.PVE.Port < 1 || cfg.PVE.Port > 65535 {
		return fmt.Errorf("pve.port must be between 1 and 65535, got %d", cfg.PVE.Port)
	}

	if cfg.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if cfg.Jobs.DefaultTimeout <= 0 {
		return fmt.Errorf("jobs.default_timeout must be positive")
	}
	if cfg.Jobs.MaxTimeout < cfg.Jobs.DefaultTimeout {
		return fmt.Errorf("jobs.max_timeout (%s) must not be below jobs.default_timeout (%s)",
			cfg.Jobs.MaxTimeout, cfg.Jobs.DefaultTimeout)
	}

	if cfg.Monitor.BufferLimit < 0 {
		return fmt.Errorf("monitor.buffer_limit must not be negative")
	}
	if cfg.Monitor.Overflow != "" && !slices.Contains(overflowModes, cfg.Monitor.Overflow) {
		return fmt.Errorf("monitor.overflow must be one of %s, got %q", strings.Join(overflowModes, ", "), cfg.Monitor.Overflow)
	}

	if cfg.Agent.MaxToolCalls < 1 {
		return fmt.Errorf("agent.max_tool_calls must be at least 1")
	}

	if err := validateLLM("llm", &cfg.LLM); err != nil {
		return err
	}
	if cfg.FallbackLLM != nil {
		if err := validateLLM("fallback_llm", cfg.FallbackLLM); err != nil {
			return err
		}
	}

	for i, wh := range cfg.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.SecretFile = ExpandHome(cfg.Auth.SecretFile)
	cfg.Agent.PromptFile = ExpandHome(cfg.Agent.PromptFile)
	cfg.Server.LogFile = ExpandHome(cfg.Server.LogFile)

	return nil
}

func validateLLM(section string, c *LLMConfig) error {
	if !slices.Contains(llmProviders, c.Provider) {
		return fmt.Errorf("%s.provider must be one of %s, got %q", section, strings.Join(llmProviders, ", "), c.Provider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%s.temperature must be between 0 and 2", section)
	}
	return nil
}
