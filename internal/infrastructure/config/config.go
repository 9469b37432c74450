package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the main configuration struct combining all sub-configs
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Combat   CombatConfig   `mapstructure:"combat"`
	Salvage  SalvageConfig  `mapstructure:"salvage"`
	Garrison GarrisonConfig `mapstructure:"garrison"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the game server's listen settings
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	WSPath  string `mapstructure:"ws_path"`
	PIDFile string `mapstructure:"pid_file"`
}

// CombatConfig tunes the combat manager
type CombatConfig struct {
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
}

// SalvageConfig tunes the salvage manager
type SalvageConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// GarrisonConfig locates the garrison snapshot file
type GarrisonConfig struct {
	FilePath string `mapstructure:"file_path"`
}

// AgentConfig tunes the task agent reactor and its connection
type AgentConfig struct {
	ServerURL     string `mapstructure:"server_url"`
	CharacterID   string `mapstructure:"character_id"`
	CharacterName string `mapstructure:"character_name"`

	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMModel   string `mapstructure:"llm_model"`
	LLMAPIKey  string `mapstructure:"llm_api_key"`

	// Reasoning controls forwarded to the chat completions API
	ThinkingBudget  int  `mapstructure:"thinking_budget" validate:"omitempty,min=0"`
	IncludeThoughts bool `mapstructure:"include_thoughts"`

	IdleTimeout              time.Duration `mapstructure:"idle_timeout"`
	MaxNoToolNudges          int           `mapstructure:"max_no_tool_nudges" validate:"omitempty,min=1"`
	NoToolWatchdogDelay      time.Duration `mapstructure:"no_tool_watchdog_delay"`
	AsyncCompletionTimeout   time.Duration `mapstructure:"async_completion_timeout"`
	EventBatchInferenceDelay time.Duration `mapstructure:"event_batch_inference_delay"`
	InferencesPerSec         float64       `mapstructure:"inferences_per_sec"`
	StopOnError              bool          `mapstructure:"stop_on_error"`
}

// MetricsConfig controls the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Output string `mapstructure:"output"`
}

// LoadConfig loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. Config file (config.yaml)
// 3. Defaults (lowest priority)
func LoadConfig(configPath string) (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sectorwars")
	}

	// Default-true booleans must be seeded before Unmarshal; SetDefaults
	// cannot tell an explicit false from an unset field.
	v.SetDefault("agent.include_thoughts", true)

	// Enable environment variable reading
	v.SetEnvPrefix("SW") // SW_ prefix for SectorWars
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - don't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Allow a bare DATABASE_URL without the SW_ prefix
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.Set("database.url", dbURL)
	}
	// Allow a bare OPENAI_API_KEY without the SW_ prefix
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && v.GetString("agent.llm_api_key") == "" {
		v.Set("agent.llm_api_key", apiKey)
	}
	// SW_AGENT_STOP_ON_ERROR is the documented fail-fast switch
	if stop := os.Getenv("SW_AGENT_STOP_ON_ERROR"); stop != "" {
		v.Set("agent.stop_on_error", stop == "1" || strings.EqualFold(stop, "true"))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	SetDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadConfigOrDefault loads configuration or returns a default config on error
func LoadConfigOrDefault(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		defaultCfg := &Config{}
		SetDefaults(defaultCfg)
		return defaultCfg
	}
	return cfg
}

// MustLoadConfig loads configuration and panics on error (for use in main.go)
func MustLoadConfig(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
