package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Ingest contains limits applied to live audio ingestion sessions.
type Ingest struct {
	MaxChunkSizeBytes int64 `toml:"max_chunk_size_bytes"`
}

// Storage selects the chunk blob backend.
type Storage struct {
	// Backend is "disk" or "kv". The kv backend keeps raw chunks in a Badger
	// database under data_dir and materializes temp files on demand.
	Backend string `toml:"backend"`
	KVDir   string `toml:"kv_dir"`
}

// Cache controls the read-through project state cache.
type Cache struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

// Quota contains window lengths for per-user consumption caps.
type Quota struct {
	StylizeWindowHours  int `toml:"stylize_window_hours"`
	RecordingWindowDays int `toml:"recording_window_days"`
}

// StageRetry bundles the retry budget for one pipeline stage.
type StageRetry struct {
	MaxAttempts    int   `toml:"max_attempts"`
	BackoffSeconds []int `toml:"backoff_seconds"`
}

// Workflow contains scheduler timing and per-stage budgets.
type Workflow struct {
	Workers            int `toml:"workers"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`

	PrepareTimeout    int `toml:"prepare_timeout"`
	TranscribeTimeout int `toml:"transcribe_timeout"`
	StylizeTimeout    int `toml:"stylize_timeout"`
	FinalizeTimeout   int `toml:"finalize_timeout"`

	PrepareRetry    StageRetry `toml:"prepare_retry"`
	TranscribeRetry StageRetry `toml:"transcribe_retry"`
	StylizeRetry    StageRetry `toml:"stylize_retry"`
	FinalizeRetry   StageRetry `toml:"finalize_retry"`
}

// STT contains speech-to-text settings.
type STT struct {
	Binary   string `toml:"binary"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

// Stylize contains image stylization service settings.
type Stylize struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Prompt         string `toml:"prompt"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LLM contains script generation settings for an OpenAI-compatible endpoint.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Retention controls expired project cleanup.
type Retention struct {
	Days          int `toml:"days"`
	SweepInterval int `toml:"sweep_interval"`
}

// Config encapsulates all configuration values for memoir.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Ingest    Ingest    `toml:"ingest"`
	Storage   Storage   `toml:"storage"`
	Cache     Cache     `toml:"cache"`
	Quota     Quota     `toml:"quota"`
	Workflow  Workflow  `toml:"workflow"`
	STT       STT       `toml:"stt"`
	Stylize   Stylize   `toml:"stylize"`
	LLM       LLM       `toml:"llm"`
	Logging   Logging   `toml:"logging"`
	Retention Retention `toml:"retention"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/memoir/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("memoir.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// WriteSample writes the annotated sample configuration to path.
func WriteSample(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.ProjectsDir(), c.Paths.LogDir}
	if strings.EqualFold(c.Storage.Backend, "kv") && c.Storage.KVDir != "" {
		dirs = append(dirs, c.Storage.KVDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ProjectsDir returns the directory holding per-project media and artifacts.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.Paths.DataDir, "projects")
}

// ProjectDir returns the media/artifact directory for one project.
func (c *Config) ProjectDir(projectID string) string {
	return filepath.Join(c.ProjectsDir(), projectID)
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "memoir.db")
}

// FFmpegBinary returns the ffmpeg executable name.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
