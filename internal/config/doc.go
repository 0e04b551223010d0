// Package config loads, validates, and normalizes memoir's TOML
// configuration.
//
// Configuration lives at ~/.config/memoir/config.toml by default, with a
// memoir.toml in the working directory as a fallback for development. Secrets
// (LLM and stylize API keys, the API token) may be supplied via environment
// variables instead of the file.
package config
