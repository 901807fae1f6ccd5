package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/internal/bundle"
	"murmur/internal/config"
	"murmur/internal/fileutil"
	"murmur/internal/logging"
	"murmur/internal/registry"
)

// Options controls a batch run.
type Options struct {
	ScanDir   string
	OutputDir string
	Single    string
	Model     string
	KeepFiles bool
	// WaitTimeout bounds how long a waiter polls for one task. Zero means
	// wait indefinitely.
	WaitTimeout time.Duration
}

// Summary aggregates the outcome of a batch run.
type Summary struct {
	Scanned   int
	Skipped   int
	Succeeded int
	Failed    int
}

// Pipeline drives the batch flow: scan, convert, bundle, submit, poll, save.
// Conversion and submission are serial; each submitted task gets its own
// waiter goroutine.
type Pipeline struct {
	cfg        *config.Config
	api        *API
	logger     *slog.Logger
	opts       Options
	scratchDir string

	mu      sync.Mutex
	summary Summary
	wg      sync.WaitGroup
}

// NewPipeline builds a Pipeline over the given API client.
func NewPipeline(cfg *config.Config, api *API, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Model == "" {
		opts.Model = cfg.Transcriber.DefaultModel
	}
	return &Pipeline{
		cfg:    cfg,
		api:    api,
		logger: logging.NewComponentLogger(logger, "client"),
		opts:   opts,
	}
}

// Run executes the batch and blocks until every waiter has drained. The
// returned error is non-nil when the run could not start; per-file failures
// are reflected in the Summary instead.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	if err := p.api.Health(ctx); err != nil {
		return Summary{}, fmt.Errorf("server unreachable: %w", err)
	}

	videos, err := p.collectVideos()
	if err != nil {
		return Summary{}, err
	}
	p.summary.Scanned = len(videos)
	if len(videos) == 0 {
		p.logger.Info("no videos need transcription")
		return p.summary, nil
	}

	scratch, err := os.MkdirTemp("", "murmur-client-*")
	if err != nil {
		return Summary{}, fmt.Errorf("create scratch dir: %w", err)
	}
	p.scratchDir = scratch
	defer func() {
		if !p.opts.KeepFiles {
			if err := os.RemoveAll(scratch); err != nil {
				p.logger.Warn("remove scratch dir failed", logging.Error(err))
			}
		}
	}()

	for _, video := range videos {
		if ctx.Err() != nil {
			break
		}
		if p.subtitleExists(video) {
			p.logger.Info("skipping video with existing subtitle", logging.String("video", filepath.Base(video)))
			p.addSkipped()
			continue
		}
		if err := p.processVideo(ctx, video); err != nil {
			p.logger.Error("video failed", logging.String("video", filepath.Base(video)), logging.Error(err))
			p.addFailed()
		}
	}

	p.wg.Wait()
	return p.snapshotSummary(), nil
}

func (p *Pipeline) collectVideos() ([]string, error) {
	if p.opts.Single != "" {
		info, err := os.Stat(p.opts.Single)
		if err != nil {
			return nil, fmt.Errorf("stat video: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p.opts.Single)
		}
		return []string{p.opts.Single}, nil
	}

	var videos []string
	err := filepath.WalkDir(p.opts.ScanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			videos = append(videos, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.opts.ScanDir, err)
	}
	sort.Strings(videos)
	return videos, nil
}

func (p *Pipeline) subtitleExists(videoPath string) bool {
	if _, err := os.Stat(p.subtitlePath(videoPath)); err == nil {
		return true
	}
	return false
}

func (p *Pipeline) subtitlePath(videoPath string) string {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	dir := filepath.Dir(videoPath)
	if p.opts.OutputDir != "" {
		dir = p.opts.OutputDir
	}
	return filepath.Join(dir, stem+".srt")
}

// processVideo converts and submits one video, then hands the task to a
// background waiter.
func (p *Pipeline) processVideo(ctx context.Context, videoPath string) error {
	p.logger.Info("processing video", logging.String("video", filepath.Base(videoPath)))

	audioPath, err := p.convertAudio(ctx, videoPath)
	if err != nil {
		return fmt.Errorf("convert audio: %w", err)
	}

	taskID := uuid.NewString()
	meta := bundle.Metadata{
		TaskID:   taskID,
		Model:    p.opts.Model,
		Filename: filepath.Base(audioPath),
	}
	data, err := bundle.Pack(meta, audioPath, p.cfg.Bundle.Password)
	if err != nil {
		p.cleanupScratch(audioPath, "")
		return fmt.Errorf("pack bundle: %w", err)
	}
	bundlePath := filepath.Join(p.scratchDir, taskID+".bundle")
	if err := os.WriteFile(bundlePath, data, 0o644); err != nil {
		p.cleanupScratch(audioPath, "")
		return fmt.Errorf("write bundle: %w", err)
	}

	if err := p.submitWithBackoff(ctx, taskID, bundlePath); err != nil {
		p.cleanupScratch(audioPath, bundlePath)
		return fmt.Errorf("submit: %w", err)
	}
	p.logger.Info("task submitted",
		logging.String(logging.FieldTaskID, taskID),
		logging.String("video", filepath.Base(videoPath)))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.await(ctx, taskID, videoPath, audioPath, bundlePath)
	}()
	return nil
}

// submitWithBackoff checks pool capacity before posting and retries after a
// fixed back-off while the server reports a full pool.
func (p *Pipeline) submitWithBackoff(ctx context.Context, taskID, bundlePath string) error {
	backoff := time.Duration(p.cfg.Client.SubmitBackoff) * time.Second
	for {
		pool, err := p.api.PoolStatus(ctx)
		switch {
		case err != nil:
			p.logger.Warn("pool status unavailable, retrying", logging.Error(err))
		case pool.IsFull:
			p.logger.Info("pool full, waiting",
				logging.Int("current", pool.CurrentSize),
				logging.Int("max", pool.MaxSize))
		default:
			err := p.api.Submit(ctx, taskID, p.opts.Model, p.cfg.Bundle.Password, bundlePath)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrPoolFull) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// await polls a submitted task until it reaches a terminal state, then saves
// the subtitle next to the video. Poll intervals adapt to the observed state.
func (p *Pipeline) await(ctx context.Context, taskID, videoPath, audioPath, bundlePath string) {
	logger := p.logger.With(logging.String(logging.FieldTaskID, taskID))
	defer func() {
		if !p.opts.KeepFiles {
			p.cleanupScratch(audioPath, bundlePath)
		}
	}()

	var deadline time.Time
	if p.opts.WaitTimeout > 0 {
		deadline = time.Now().Add(p.opts.WaitTimeout)
	}

	for {
		status, err := p.api.Status(ctx, taskID)
		interval := time.Duration(p.cfg.Client.PendingPollInterval) * time.Second
		switch {
		case errors.Is(err, ErrNotFound):
			logger.Error("task disappeared from server")
			p.addFailed()
			return
		case err != nil:
			if ctx.Err() != nil {
				p.addFailed()
				return
			}
			logger.Warn("status poll failed", logging.Error(err))
			interval = 10 * time.Second
		default:
			switch status.State {
			case registry.StateQueued:
				interval = time.Duration(p.cfg.Client.PendingPollInterval) * time.Second
			case registry.StateProcessing:
				interval = time.Duration(p.cfg.Client.ProcessingPollInterval) * time.Second
			case registry.StateCompleted:
				if p.fetchAndSave(ctx, taskID, videoPath, logger) {
					p.addSucceeded()
					return
				}
				interval = time.Duration(p.cfg.Client.CompletedPollInterval) * time.Second
			case registry.StateFailed:
				detail := "unknown error"
				if status.Error != nil {
					detail = status.Error.Code + ": " + status.Error.Message
				}
				logger.Error("transcription failed", logging.String("detail", detail))
				p.addFailed()
				return
			case registry.StateCancelled:
				logger.Warn("task was cancelled")
				p.addFailed()
				return
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			logger.Error("gave up waiting for task")
			p.addFailed()
			return
		}

		select {
		case <-ctx.Done():
			p.addFailed()
			return
		case <-time.After(interval):
		}
	}
}

func (p *Pipeline) fetchAndSave(ctx context.Context, taskID, videoPath string, logger *slog.Logger) bool {
	data, err := p.api.Download(ctx, taskID)
	if err != nil {
		logger.Warn("download not ready", logging.Error(err))
		return false
	}

	srtPath := p.subtitlePath(videoPath)
	if dir := filepath.Dir(srtPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("create subtitle directory failed", logging.Error(err))
			return false
		}
	}
	if err := fileutil.WriteFileAtomic(srtPath, data, 0o644); err != nil {
		logger.Error("save subtitle failed", logging.Error(err))
		return false
	}
	logger.Info("subtitle saved",
		logging.String("path", srtPath),
		logging.Int("bytes", len(data)))
	return true
}

func (p *Pipeline) cleanupScratch(audioPath, bundlePath string) {
	for _, path := range []string{audioPath, bundlePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("cleanup scratch file failed", logging.String("path", path), logging.Error(err))
		}
	}
}

func (p *Pipeline) addSkipped()   { p.mu.Lock(); p.summary.Skipped++; p.mu.Unlock() }
func (p *Pipeline) addFailed()    { p.mu.Lock(); p.summary.Failed++; p.mu.Unlock() }
func (p *Pipeline) addSucceeded() { p.mu.Lock(); p.summary.Succeeded++; p.mu.Unlock() }

func (p *Pipeline) snapshotSummary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}
