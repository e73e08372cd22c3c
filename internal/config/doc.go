// Package config provides loading and environment overlay for ledger
// process configuration. It exposes a Default() baseline plus the cache,
// gap-reconciler, and notifier tunables store.Options binds to.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file and overlay env vars
//	if fileCfg, err := config.Load("/etc/ledger.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
