package config

const (
	defaultWorkDir          = "~/.local/share/reelforge/work"
	defaultLogDir           = "~/.local/share/reelforge/logs"
	defaultLockFile         = "~/.local/share/reelforge/reelforged.lock"
	defaultAPIBind          = "127.0.0.1:7519"
	defaultTokenTTLHours    = 72
	defaultIssuer           = "reelforge"
	defaultSignedTTLSeconds = 3600
	defaultLLMBaseURL       = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel         = "google/gemini-2.5-flash"
	defaultLLMTimeout       = 120
	defaultRunwayBaseURL    = "https://api.runwayml.com/v1"
	defaultVeoBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	defaultWanBaseURL       = "http://127.0.0.1:8188"
	defaultVoiceBaseURL     = "https://api.elevenlabs.io/v1"
	defaultVoiceID          = "EXAVITQu4vr4xnSDxMaL"
	defaultVoiceTimeout     = 60
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultRetentionDays    = 7
	defaultStageWorkers     = 4
	defaultClipConcurrency  = 3
	defaultRetryCeiling     = 3
	defaultAssemblyRetries  = 2
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:  defaultWorkDir,
			LogDir:   defaultLogDir,
			LockFile: defaultLockFile,
			APIBind:  defaultAPIBind,
		},
		Identity: Identity{
			TokenTTL:    defaultTokenTTLHours,
			Issuer:      defaultIssuer,
			AllowIssuer: true,
		},
		Storage: Storage{
			Bucket:    "reelforge",
			SignedTTL: defaultSignedTTLSeconds,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeout,
		},
		Providers: Providers{
			Runway: Provider{Enabled: true, BaseURL: defaultRunwayBaseURL},
			Veo:    Provider{Enabled: true, BaseURL: defaultVeoBaseURL},
			Wan:    Provider{Enabled: false, BaseURL: defaultWanBaseURL},
		},
		Voice: Voice{
			Enabled:        true,
			BaseURL:        defaultVoiceBaseURL,
			VoiceID:        defaultVoiceID,
			TimeoutSeconds: defaultVoiceTimeout,
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  15,
			HeartbeatTimeout:   120,
			GenerationPoll:     15,
			StageWorkers:       defaultStageWorkers,
			ClipConcurrency:    defaultClipConcurrency,
			RetryCeiling:       defaultRetryCeiling,
			AssemblyRetries:    defaultAssemblyRetries,
			RetentionDays:      defaultRetentionDays,
			SweepInterval:      300,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
