package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}
	if err := c.validateTranscriber(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.Bind) == "" {
		return errors.New("paths.bind must be set")
	}
	if c.Paths.UploadDir == c.Paths.ResultDir {
		return errors.New("paths.upload_dir and paths.result_dir must not overlap")
	}
	if c.Paths.WorkDir == c.Paths.ResultDir {
		return errors.New("paths.work_dir and paths.result_dir must not overlap")
	}
	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.Capacity <= 0 {
		return errors.New("pool.capacity must be positive")
	}
	if err := ensurePositiveMap(map[string]int{
		"pool.max_upload_mib":  c.Pool.MaxUploadMiB,
		"pool.retention_hours": c.Pool.RetentionHours,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTranscriber() error {
	if !KnownModel(c.Transcriber.DefaultModel) {
		return fmt.Errorf("transcriber.default_model %q is not a known whisper model", c.Transcriber.DefaultModel)
	}
	return nil
}

func (c *Config) validateClient() error {
	return ensurePositiveMap(map[string]int{
		"client.pending_poll_interval":    c.Client.PendingPollInterval,
		"client.processing_poll_interval": c.Client.ProcessingPollInterval,
		"client.completed_poll_interval":  c.Client.CompletedPollInterval,
		"client.submit_backoff":           c.Client.SubmitBackoff,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
