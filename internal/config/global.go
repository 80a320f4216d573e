package config

import "sync/atomic"

var cfg atomic.Value

func init() {
	c := DefaultConfig()
	cfg.Store(&c)
}

// Load returns the current process-wide config. Treat the result as
// read-only; mutate via Update.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and atomically
// swaps it in, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config outright, e.g. once at startup after
// loading the host application's persisted settings.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
