package config

const (
	defaultUploadDir              = "~/.local/share/murmur/uploads"
	defaultResultDir              = "~/.local/share/murmur/results"
	defaultWorkDir                = "~/.local/share/murmur/work"
	defaultLogDir                 = "~/.local/share/murmur/logs"
	defaultBind                   = "127.0.0.1:8000"
	defaultPoolCapacity           = 5
	defaultMaxUploadMiB           = 512
	defaultRetentionHours         = 24
	defaultTranscriberBinary      = "whisper"
	defaultModel                  = "large-v3-turbo"
	defaultStopGraceSeconds       = 5
	defaultStderrTailLines        = 100
	defaultBundlePassword         = "whisper-task-password"
	defaultServerURL              = "http://127.0.0.1:8000"
	defaultFFmpegBinary           = "ffmpeg"
	defaultPendingPollInterval    = 15
	defaultProcessingPollInterval = 5
	defaultCompletedPollInterval  = 2
	defaultSubmitBackoff          = 5
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Models lists the Whisper model names the server accepts.
var Models = []string{
	"tiny", "tiny.en",
	"base", "base.en",
	"small", "small.en",
	"medium", "medium.en",
	"large", "large-v1", "large-v2", "large-v3",
	"large-v3-turbo", "turbo",
}

var modelSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(Models))
	for _, model := range Models {
		set[model] = struct{}{}
	}
	return set
}()

// KnownModel reports whether a model name is on the allow-list.
func KnownModel(name string) bool {
	_, ok := modelSet[name]
	return ok
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadDir: defaultUploadDir,
			ResultDir: defaultResultDir,
			WorkDir:   defaultWorkDir,
			LogDir:    defaultLogDir,
			Bind:      defaultBind,
		},
		Pool: Pool{
			Capacity:       defaultPoolCapacity,
			MaxUploadMiB:   defaultMaxUploadMiB,
			RetentionHours: defaultRetentionHours,
		},
		Transcriber: Transcriber{
			Binary:           defaultTranscriberBinary,
			DefaultModel:     defaultModel,
			StopGraceSeconds: defaultStopGraceSeconds,
			StderrTailLines:  defaultStderrTailLines,
		},
		Bundle: Bundle{
			Password: defaultBundlePassword,
		},
		Client: Client{
			ServerURL:              defaultServerURL,
			FFmpegBinary:           defaultFFmpegBinary,
			PendingPollInterval:    defaultPendingPollInterval,
			ProcessingPollInterval: defaultProcessingPollInterval,
			CompletedPollInterval:  defaultCompletedPollInterval,
			SubmitBackoff:          defaultSubmitBackoff,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
