package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.MaxChunkSizeBytes <= 0 {
		return errors.New("ingest.max_chunk_size_bytes must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "disk", "kv":
		return nil
	default:
		return fmt.Errorf("storage.backend: unsupported value %q (want disk or kv)", c.Storage.Backend)
	}
}

func (c *Config) validateCache() error {
	if c.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if c.Quota.StylizeWindowHours <= 0 {
		return errors.New("quota.stylize_window_hours must be positive")
	}
	if c.Quota.RecordingWindowDays <= 0 {
		return errors.New("quota.recording_window_days must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.Workers <= 0 {
		return errors.New("workflow.workers must be positive")
	}
	if c.Workflow.PollInterval <= 0 {
		return errors.New("workflow.poll_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 || c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow heartbeat settings must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must exceed workflow.heartbeat_interval")
	}
	for name, timeout := range map[string]int{
		"prepare_timeout":    c.Workflow.PrepareTimeout,
		"transcribe_timeout": c.Workflow.TranscribeTimeout,
		"stylize_timeout":    c.Workflow.StylizeTimeout,
		"finalize_timeout":   c.Workflow.FinalizeTimeout,
	} {
		if timeout <= 0 {
			return fmt.Errorf("workflow.%s must be positive", name)
		}
	}
	for name, retry := range map[string]StageRetry{
		"prepare_retry":    c.Workflow.PrepareRetry,
		"transcribe_retry": c.Workflow.TranscribeRetry,
		"stylize_retry":    c.Workflow.StylizeRetry,
		"finalize_retry":   c.Workflow.FinalizeRetry,
	} {
		if retry.MaxAttempts <= 0 {
			return fmt.Errorf("workflow.%s.max_attempts must be positive", name)
		}
		for _, backoff := range retry.BackoffSeconds {
			if backoff < 0 {
				return fmt.Errorf("workflow.%s.backoff_seconds must not contain negatives", name)
			}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateRetention() error {
	if c.Retention.Days <= 0 {
		return errors.New("retention.days must be positive")
	}
	if c.Retention.SweepInterval <= 0 {
		return errors.New("retention.sweep_interval must be positive")
	}
	return nil
}
