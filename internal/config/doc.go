// Package config loads, validates, and normalizes the TOML configuration
// file that drives a beatbridge run.
package config
