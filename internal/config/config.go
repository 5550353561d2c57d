// Package config loads the runtime configuration from config.json and the
// environment, and sets up logging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/batalabs/loopd/internal/mcp"
)

// ProviderEnvVars maps provider names to their API key environment
// variables.
var ProviderEnvVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
}

// Config is the full runtime configuration with defaults applied.
type Config struct {
	Provider    string  `json:"Provider"`
	Model       string  `json:"Model"`
	MaxTokens   int     `json:"MaxTokens"`
	Temperature float64 `json:"Temperature"`

	MaxToolResultChars      int `json:"MaxToolResultChars"`
	MaxConversationMessages int `json:"MaxConversationMessages"`

	CompactionStrategy        string `json:"CompactionStrategy"`
	CompactionThresholdTokens int    `json:"CompactionThresholdTokens"`
	ProtectedTailMessages     int    `json:"ProtectedTailMessages"`

	WorkingDirectory string `json:"WorkingDirectory"`

	MemoryEnabled               bool   `json:"MemoryEnabled"`
	MemoryDbPath                string `json:"MemoryDbPath"`
	MemoryMaxSessions           int    `json:"MemoryMaxSessions"`
	MemoryMaxMessagesPerSession int    `json:"MemoryMaxMessagesPerSession"`
	MemoryRetentionDays         int    `json:"MemoryRetentionDays"`

	ContinueConversation bool   `json:"ContinueConversation"`
	ResumeSessionID      string `json:"ResumeSessionId"`
	SessionID            string `json:"SessionId"`
	ForkSession          bool   `json:"ForkSession"`

	EnableFileCheckpointing  bool `json:"EnableFileCheckpointing"`
	CheckpointWriteToolsOnly bool `json:"CheckpointWriteToolsOnly"`

	McpServers map[string]mcp.ServerConfig `json:"McpServers"`

	LogLevel string `json:"LogLevel"`
}

// Defaults returns the configuration used when config.json is absent.
func Defaults() Config {
	return Config{
		Provider:                    "anthropic",
		Model:                       "claude-sonnet-4-5-20250929",
		MaxTokens:                   8192,
		Temperature:                 1.0,
		MaxToolResultChars:          40_000,
		MaxConversationMessages:     50,
		CompactionStrategy:          "none",
		CompactionThresholdTokens:   80_000,
		ProtectedTailMessages:       6,
		MemoryDbPath:                filepath.Join(".loopd", "memory.db"),
		MemoryMaxSessions:           200,
		MemoryMaxMessagesPerSession: 5000,
		MemoryRetentionDays:         30,
		CheckpointWriteToolsOnly:    true,
		LogLevel:                    "info",
	}
}

// Load reads config.json from the current directory when present and
// merges it over the defaults.
func Load() (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile("config.json")
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config.json: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.json: %w", err)
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.CompactionStrategy = strings.ToLower(strings.TrimSpace(cfg.CompactionStrategy))
	return cfg, nil
}

// ResolveAPIKey returns the provider API key from the environment and the
// name of the variable checked.
func ResolveAPIKey(providerName string) (key, envVar string) {
	envVar, ok := ProviderEnvVars[providerName]
	if !ok {
		envVar = "ANTHROPIC_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(envVar)), envVar
}

// ResolveWorkingDirectory returns the configured working directory as an
// absolute path, defaulting to the process working directory.
func (c Config) ResolveWorkingDirectory() (string, error) {
	dir := c.WorkingDirectory
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return wd, nil
	}
	return filepath.Abs(dir)
}

// ResolveDBPath returns the memory database path resolved against the
// process working directory.
func (c Config) ResolveDBPath() string {
	if filepath.IsAbs(c.MemoryDbPath) {
		return c.MemoryDbPath
	}
	wd, err := os.Getwd()
	if err != nil {
		return c.MemoryDbPath
	}
	return filepath.Join(wd, c.MemoryDbPath)
}
