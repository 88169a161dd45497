package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the conductor runner configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"` // empty runs on the in-memory store
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	SweepSchedule   string `json:"sweep_schedule"`
	PromoteSchedule string `json:"promote_schedule"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		PoolSize:        4,
		SweepSchedule:   "@every 1m",
		PromoteSchedule: "@every 10s",
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

func settingsPath() string {
	return filepath.Join(conductorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUCTOR_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("CONDUCTOR_PROMOTE_SCHEDULE"); v != "" {
		cfg.PromoteSchedule = v
	}

	return cfg
}
