package config

import (
	"encoding/json"
	"os"

	pebblestore "github.com/rzbill/ledger/internal/storage/pebble"
)

// Config is the process-wide configuration for a ledger instance: the
// storage location plus every tunable knob spec.md §6 exposes on the
// readonly store (metadata cache sizing/TTL, gap-reconciler reload
// interval, notifier poll interval) and the logging facade name.
type Config struct {
	DataDir string `json:"dataDir"`
	Fsync   string `json:"fsync"` // "always" | "interval" | "never" | "" (default)

	MetadataCacheExpirySeconds int `json:"metadataCacheExpirySeconds"`
	MetadataCacheMaxSize       int `json:"metadataCacheMaxSize"`
	GapReloadIntervalMs        int `json:"gapReloadIntervalMs"`
	PollIntervalMs             int `json:"pollIntervalMs"`

	LogName  string `json:"logName"`
	LogLevel string `json:"logLevel"`
}

// Default returns the built-in baseline configuration.
func Default() Config {
	return Config{
		DataDir:                    DefaultDataDir(),
		Fsync:                      "",
		MetadataCacheExpirySeconds: 30,
		MetadataCacheMaxSize:       10000,
		GapReloadIntervalMs:        3000,
		PollIntervalMs:             1000,
		LogName:                    "ledger",
		LogLevel:                   "info",
	}
}

// Load reads a JSON configuration file and overlays it onto Default(). If
// path is empty, Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FsyncMode translates the configured Fsync string into the storage layer's
// enum, defaulting to the storage package's own balanced default.
func (c Config) FsyncMode() pebblestore.FsyncMode {
	switch c.Fsync {
	case "always":
		return pebblestore.FsyncModeAlways
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeUnspecified
	}
}
