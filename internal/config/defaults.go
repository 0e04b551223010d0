package config

const (
	defaultDataDir             = "~/.local/share/memoir/data"
	defaultLogDir              = "~/.local/share/memoir/logs"
	defaultAPIBind             = "127.0.0.1:8474"
	defaultMaxChunkSizeBytes   = 2 << 20 // 2 MiB per chunk
	defaultStorageBackend      = "disk"
	defaultCacheTTLSeconds     = 5
	defaultStylizeWindowHours  = 24
	defaultRecordingWindowDays = 30
	defaultWorkers             = 4
	defaultPollInterval        = 1
	defaultErrorRetryInterval  = 5
	defaultHeartbeatInterval   = 15
	defaultHeartbeatTimeout    = 120
	defaultPrepareTimeout      = 600
	defaultTranscribeTimeout   = 300
	defaultStylizeTimeout      = 180
	defaultFinalizeTimeout     = 300
	defaultSTTBinary           = "whisper"
	defaultSTTModel            = "base"
	defaultLLMBaseURL          = "https://api.openai.com/v1"
	defaultLLMModel            = "gpt-4o-mini"
	defaultLLMTimeoutSeconds   = 120
	defaultStylizeTimeoutSecs  = 120
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultRetentionDays       = 14
	defaultSweepInterval       = 3600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Ingest: Ingest{
			MaxChunkSizeBytes: defaultMaxChunkSizeBytes,
		},
		Storage: Storage{
			Backend: defaultStorageBackend,
		},
		Cache: Cache{
			TTLSeconds: defaultCacheTTLSeconds,
		},
		Quota: Quota{
			StylizeWindowHours:  defaultStylizeWindowHours,
			RecordingWindowDays: defaultRecordingWindowDays,
		},
		Workflow: Workflow{
			Workers:            defaultWorkers,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			PrepareTimeout:     defaultPrepareTimeout,
			TranscribeTimeout:  defaultTranscribeTimeout,
			StylizeTimeout:     defaultStylizeTimeout,
			FinalizeTimeout:    defaultFinalizeTimeout,
			// Prepare gets the generous budget: transient infra issues are
			// likely while assembling audio. Finalize gets the minimal one.
			PrepareRetry:    StageRetry{MaxAttempts: 4, BackoffSeconds: []int{10, 60, 180}},
			TranscribeRetry: StageRetry{MaxAttempts: 3, BackoffSeconds: []int{10, 30}},
			StylizeRetry:    StageRetry{MaxAttempts: 3, BackoffSeconds: []int{10, 30}},
			FinalizeRetry:   StageRetry{MaxAttempts: 1, BackoffSeconds: nil},
		},
		STT: STT{
			Binary: defaultSTTBinary,
			Model:  defaultSTTModel,
		},
		Stylize: Stylize{
			TimeoutSeconds: defaultStylizeTimeoutSecs,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Retention: Retention{
			Days:          defaultRetentionDays,
			SweepInterval: defaultSweepInterval,
		},
	}
}
