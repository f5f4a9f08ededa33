package config

import "sync/atomic"

var cfg atomic.Value

func init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config outright.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
