package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStorage()
	c.normalizeSecrets()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeStorage() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	if c.Storage.Backend == "kv" && strings.TrimSpace(c.Storage.KVDir) == "" {
		c.Storage.KVDir = c.Paths.DataDir + string(os.PathSeparator) + "chunks.badger"
	}
	if c.Storage.KVDir != "" {
		if expanded, err := expandPath(c.Storage.KVDir); err == nil {
			c.Storage.KVDir = expanded
		}
	}
}

func (c *Config) normalizeSecrets() {
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("MEMOIR_API_TOKEN"); ok {
			c.Paths.APIToken = value
		}
	}
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("MEMOIR_LLM_API_KEY"); ok {
			c.LLM.APIKey = value
		}
	}
	if c.Stylize.APIKey == "" {
		if value, ok := os.LookupEnv("MEMOIR_STYLIZE_API_KEY"); ok {
			c.Stylize.APIKey = value
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
