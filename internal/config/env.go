package config

import (
	"os"
	"strconv"
)

// FromEnv overlays LEDGER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("LEDGER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LEDGER_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("LEDGER_METADATA_CACHE_EXPIRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetadataCacheExpirySeconds = n
		}
	}
	if v := os.Getenv("LEDGER_METADATA_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetadataCacheMaxSize = n
		}
	}
	if v := os.Getenv("LEDGER_GAP_RELOAD_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GapReloadIntervalMs = n
		}
	}
	if v := os.Getenv("LEDGER_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("LEDGER_LOG_NAME"); v != "" {
		cfg.LogName = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
