// Package config loads, normalizes, and validates murmur configuration from
// TOML files and environment overrides.
package config
