// Package config loads daemon configuration from an optional YAML file with
// environment-variable overrides.
package config
