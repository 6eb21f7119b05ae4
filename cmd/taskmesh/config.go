package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all taskmesh server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	SigningKey string `json:"signing_key"`
	PoolSize   int    `json:"pool_size"`

	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec"`
	SweepIntervalSec    int `json:"sweep_interval_sec"`

	SnapshotEvery int `json:"snapshot_every"`
	SnapshotsKept int `json:"snapshots_kept"`
	RetentionDays int `json:"retention_days"`

	ApprovalGraceMin   int `json:"approval_grace_min"`
	DispatchTimeoutSec int `json:"dispatch_timeout_sec"`

	ToolStrategy string `json:"tool_strategy"`
	MaxTools     int    `json:"max_tools"`
}

func defaultConfig() Config {
	return Config{
		DBPath:              filepath.Join(taskmeshDir(), "taskmesh.db"),
		LogLevel:            "info",
		SigningKey:          "taskmesh-dev-key",
		PoolSize:            10,
		HeartbeatTimeoutSec: 60,
		SweepIntervalSec:    15,
		SnapshotEvery:       10,
		SnapshotsKept:       3,
		RetentionDays:       90,
		ApprovalGraceMin:    30,
		DispatchTimeoutSec:  120,
		ToolStrategy:        "PROGRESSIVE",
		MaxTools:            20,
	}
}

func taskmeshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmesh"
	}
	return filepath.Join(home, ".taskmesh")
}

func settingsPath() string {
	return filepath.Join(taskmeshDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKMESH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKMESH_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("TASKMESH_TOOL_STRATEGY"); v != "" {
		cfg.ToolStrategy = v
	}
	envInt(&cfg.PoolSize, "TASKMESH_POOL_SIZE")
	envInt(&cfg.HeartbeatTimeoutSec, "TASKMESH_HEARTBEAT_TIMEOUT_SEC")
	envInt(&cfg.SweepIntervalSec, "TASKMESH_SWEEP_INTERVAL_SEC")
	envInt(&cfg.SnapshotEvery, "TASKMESH_SNAPSHOT_EVERY")
	envInt(&cfg.SnapshotsKept, "TASKMESH_SNAPSHOTS_KEPT")
	envInt(&cfg.RetentionDays, "TASKMESH_RETENTION_DAYS")
	envInt(&cfg.ApprovalGraceMin, "TASKMESH_APPROVAL_GRACE_MIN")
	envInt(&cfg.DispatchTimeoutSec, "TASKMESH_DISPATCH_TIMEOUT_SEC")
	envInt(&cfg.MaxTools, "TASKMESH_MAX_TOOLS")

	return cfg
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
