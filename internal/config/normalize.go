package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePool()
	c.normalizeTranscriber()
	c.normalizeBundle()
	c.normalizeClient()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	applyEnvString("MURMUR_UPLOAD_DIR", &c.Paths.UploadDir)
	applyEnvString("MURMUR_RESULT_DIR", &c.Paths.ResultDir)
	applyEnvString("MURMUR_WORK_DIR", &c.Paths.WorkDir)
	applyEnvString("MURMUR_LOG_DIR", &c.Paths.LogDir)
	applyEnvString("MURMUR_BIND", &c.Paths.Bind)

	var err error
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("paths.upload_dir: %w", err)
	}
	if c.Paths.ResultDir, err = expandPath(c.Paths.ResultDir); err != nil {
		return fmt.Errorf("paths.result_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.Bind = strings.TrimSpace(c.Paths.Bind)
	if c.Paths.Bind == "" {
		c.Paths.Bind = defaultBind
	}
	return nil
}

func (c *Config) normalizePool() {
	applyEnvInt("MURMUR_POOL_CAPACITY", &c.Pool.Capacity)
	applyEnvInt("MURMUR_MAX_UPLOAD_MIB", &c.Pool.MaxUploadMiB)
	applyEnvInt("MURMUR_RETENTION_HOURS", &c.Pool.RetentionHours)
	if c.Pool.MaxUploadMiB <= 0 {
		c.Pool.MaxUploadMiB = defaultMaxUploadMiB
	}
	if c.Pool.RetentionHours <= 0 {
		c.Pool.RetentionHours = defaultRetentionHours
	}
}

func (c *Config) normalizeTranscriber() {
	applyEnvString("MURMUR_WHISPER_BINARY", &c.Transcriber.Binary)
	applyEnvString("MURMUR_DEFAULT_MODEL", &c.Transcriber.DefaultModel)
	c.Transcriber.Binary = strings.TrimSpace(c.Transcriber.Binary)
	if c.Transcriber.Binary == "" {
		c.Transcriber.Binary = defaultTranscriberBinary
	}
	c.Transcriber.DefaultModel = strings.TrimSpace(c.Transcriber.DefaultModel)
	if c.Transcriber.DefaultModel == "" {
		c.Transcriber.DefaultModel = defaultModel
	}
	if c.Transcriber.StopGraceSeconds <= 0 {
		c.Transcriber.StopGraceSeconds = defaultStopGraceSeconds
	}
	if c.Transcriber.StderrTailLines <= 0 {
		c.Transcriber.StderrTailLines = defaultStderrTailLines
	}
}

func (c *Config) normalizeBundle() {
	applyEnvString("MURMUR_BUNDLE_PASSWORD", &c.Bundle.Password)
	c.Bundle.Password = strings.TrimSpace(c.Bundle.Password)
	if c.Bundle.Password == "" {
		c.Bundle.Password = defaultBundlePassword
	}
}

func (c *Config) normalizeClient() {
	applyEnvString("MURMUR_SERVER_URL", &c.Client.ServerURL)
	c.Client.ServerURL = strings.TrimRight(strings.TrimSpace(c.Client.ServerURL), "/")
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultServerURL
	}
	c.Client.FFmpegBinary = strings.TrimSpace(c.Client.FFmpegBinary)
	if c.Client.FFmpegBinary == "" {
		c.Client.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Client.PendingPollInterval <= 0 {
		c.Client.PendingPollInterval = defaultPendingPollInterval
	}
	if c.Client.ProcessingPollInterval <= 0 {
		c.Client.ProcessingPollInterval = defaultProcessingPollInterval
	}
	if c.Client.CompletedPollInterval <= 0 {
		c.Client.CompletedPollInterval = defaultCompletedPollInterval
	}
	if c.Client.SubmitBackoff <= 0 {
		c.Client.SubmitBackoff = defaultSubmitBackoff
	}
}

func (c *Config) normalizeLogging() {
	applyEnvString("MURMUR_LOG_LEVEL", &c.Logging.Level)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func applyEnvString(key string, target *string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func applyEnvInt(key string, target *int) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}
