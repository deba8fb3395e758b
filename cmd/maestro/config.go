package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all maestro server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	SchedulerTick string `json:"scheduler_tick"`
	MCPMode       bool   `json:"mcp_mode"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(maestroDir(), "maestro.db"),
		LogLevel:      "info",
		SchedulerTick: "30s",
	}
}

func maestroDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func settingsPath() string {
	return filepath.Join(maestroDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MAESTRO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MAESTRO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAESTRO_SCHEDULER_TICK"); v != "" {
		cfg.SchedulerTick = v
	}
	if v := os.Getenv("MAESTRO_MCP_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MCPMode = b
		}
	}

	return cfg
}

func (c Config) schedulerTick() time.Duration {
	d, err := time.ParseDuration(c.SchedulerTick)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
