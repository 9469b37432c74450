package config

import "time"

// SetDefaults sets default values for all configuration fields
func SetDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Server.PIDFile == "" {
		cfg.Server.PIDFile = "/tmp/sectorwars-server.pid"
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "sectorwars"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "sectorwars"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "sectorwars.db"
	}
	if cfg.Database.Pool.MaxOpen == 0 {
		cfg.Database.Pool.MaxOpen = 25
	}
	if cfg.Database.Pool.MaxIdle == 0 {
		cfg.Database.Pool.MaxIdle = 5
	}
	if cfg.Database.Pool.MaxLifetime == 0 {
		cfg.Database.Pool.MaxLifetime = 5 * time.Minute
	}

	// Combat defaults
	if cfg.Combat.RoundTimeout == 0 {
		cfg.Combat.RoundTimeout = 15 * time.Second
	}

	// Salvage defaults
	if cfg.Salvage.DefaultTTL == 0 {
		cfg.Salvage.DefaultTTL = 900 * time.Second
	}

	// Garrison defaults
	if cfg.Garrison.FilePath == "" {
		cfg.Garrison.FilePath = "garrisons.json"
	}

	// Agent defaults
	if cfg.Agent.ServerURL == "" {
		cfg.Agent.ServerURL = "ws://localhost:8080/ws"
	}
	if cfg.Agent.LLMBaseURL == "" {
		cfg.Agent.LLMBaseURL = "https://api.openai.com/v1"
	}
	if cfg.Agent.LLMModel == "" {
		cfg.Agent.LLMModel = "gpt-4o-mini"
	}
	if cfg.Agent.ThinkingBudget == 0 {
		cfg.Agent.ThinkingBudget = 2048
	}
	if cfg.Agent.IdleTimeout == 0 {
		cfg.Agent.IdleTimeout = 600 * time.Second
	}
	if cfg.Agent.MaxNoToolNudges == 0 {
		cfg.Agent.MaxNoToolNudges = 3
	}
	if cfg.Agent.NoToolWatchdogDelay == 0 {
		cfg.Agent.NoToolWatchdogDelay = 5 * time.Second
	}
	if cfg.Agent.AsyncCompletionTimeout == 0 {
		cfg.Agent.AsyncCompletionTimeout = 5 * time.Second
	}
	if cfg.Agent.EventBatchInferenceDelay == 0 {
		cfg.Agent.EventBatchInferenceDelay = time.Second
	}
	if cfg.Agent.InferencesPerSec == 0 {
		cfg.Agent.InferencesPerSec = 1
	}

	// Metrics defaults
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "localhost:9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}
