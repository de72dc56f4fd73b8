// Package config handles loading and validation of client configuration
// from YAML files with environment variable expansion.
package config
