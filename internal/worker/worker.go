package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/internal/bundle"
	"murmur/internal/config"
	"murmur/internal/journal"
	"murmur/internal/logging"
	"murmur/internal/registry"
	"murmur/internal/store"
	"murmur/internal/transcriber"
)

// Worker is the single consumer of the task queue. It unpacks bundles, runs
// the transcriber, publishes results, and drives the retention sweeper.
type Worker struct {
	cfg      *config.Config
	reg      *registry.Registry
	store    *store.Store
	journal  *journal.Journal
	runner   *transcriber.Runner
	password string
	logger   *slog.Logger

	mu            sync.Mutex
	currentTask   string
	cancelCurrent context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Worker over the shared registry, store, and journal.
func New(cfg *config.Config, reg *registry.Registry, st *store.Store, jnl *journal.Journal, runner *transcriber.Runner, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		reg:      reg,
		store:    st,
		journal:  jnl,
		runner:   runner,
		password: cfg.Bundle.Password,
		logger:   logging.NewComponentLogger(logger, "worker"),
	}
}

// Start launches the consumer loop and the retention sweeper. Both stop when
// ctx is cancelled; Wait blocks until they have drained.
func (w *Worker) Start(ctx context.Context) {
	w.reconcile(ctx)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.sweepLoop(ctx)
	}()
}

// Wait blocks until the worker goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// SignalCancel interrupts the transcriber child when taskID is the task
// currently being processed. The registry cancel mark must be set first.
func (w *Worker) SignalCancel(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == taskID && w.cancelCurrent != nil {
		w.cancelCurrent()
	}
}

// reconcile removes artifacts that expired while the server was down.
func (w *Worker) reconcile(ctx context.Context) {
	now := time.Now()
	w.sweep(ctx, now)
	if w.journal == nil {
		return
	}
	expired, err := w.journal.ExpiredResults(ctx, now)
	if err != nil {
		w.logger.Warn("startup journal reconcile failed", logging.Error(err))
		return
	}
	for _, taskID := range expired {
		if err := w.store.RemoveResult(taskID); err != nil {
			w.logger.Warn("remove expired result failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		}
		if err := w.journal.ClearResult(ctx, taskID); err != nil {
			w.logger.Warn("clear journal result failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := w.reg.ClaimNext(time.Now())
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.reg.Wake():
			}
			continue
		}

		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *registry.Task) {
	logger := w.logger.With(logging.String(logging.FieldTaskID, task.ID), logging.String(logging.FieldModel, task.Model))
	logger.Info("task claimed")

	defer func() {
		w.store.DropWorkdir(task.ID)
		if err := w.store.RemoveBundle(task.BundlePath); err != nil {
			logger.Warn("remove inbound bundle failed", logging.Error(err))
		}
		w.record(ctx, task.ID)
	}()

	if w.reg.CancelRequested(task.ID) {
		w.markCancelled(task.ID, logger)
		return
	}

	workdir, err := w.store.OpenWorkdir(task.ID)
	if err != nil {
		w.fail(task.ID, "storage.workdir", err.Error(), logger)
		return
	}

	data, err := os.ReadFile(task.BundlePath)
	if err != nil {
		w.fail(task.ID, "storage.read", err.Error(), logger)
		return
	}

	meta, audioPath, err := bundle.Unpack(data, w.password, workdir)
	if err != nil {
		code, message := bundleFailure(err)
		w.fail(task.ID, code, message, logger)
		return
	}
	if meta.TaskID != task.ID {
		logger.Warn("bundle metadata task id differs from submission",
			logging.String("bundle_task_id", meta.TaskID))
	}

	if w.reg.CancelRequested(task.ID) {
		w.markCancelled(task.ID, logger)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.currentTask = task.ID
	w.cancelCurrent = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.currentTask = ""
		w.cancelCurrent = nil
		w.mu.Unlock()
	}()

	outputDir := filepath.Join(workdir, "out")
	srtPath, err := w.runner.Transcribe(taskCtx, audioPath, task.Model, outputDir)
	if err != nil {
		if taskCtx.Err() != nil {
			if ctx.Err() != nil {
				w.fail(task.ID, "server.shutdown", "server stopped while transcribing", logger)
			} else {
				w.fail(task.ID, "task.cancelled", "cancelled while transcribing", logger)
			}
			return
		}
		code, message := transcriberFailure(err)
		w.fail(task.ID, code, message, logger)
		return
	}

	result, err := w.store.PublishResult(task.ID, srtPath, time.Now())
	if err != nil {
		w.fail(task.ID, "storage.publish", err.Error(), logger)
		return
	}

	if err := w.reg.Complete(task.ID, registry.Result(result), time.Now()); err != nil {
		logger.Warn("complete transition rejected", logging.Error(err))
		return
	}
	logger.Info("task completed",
		logging.Int64("srt_bytes", result.Size),
		logging.String("expires_at", result.ExpiresAt.Format(time.RFC3339)))
}

func (w *Worker) markCancelled(taskID string, logger *slog.Logger) {
	if err := w.reg.MarkCancelled(taskID, time.Now()); err != nil {
		logger.Warn("cancel transition rejected", logging.Error(err))
		return
	}
	logger.Info("task cancelled before transcription")
}

func (w *Worker) fail(taskID, code, message string, logger *slog.Logger) {
	if err := w.reg.Fail(taskID, code, message, time.Now()); err != nil {
		logger.Warn("fail transition rejected", logging.Error(err))
		return
	}
	logger.Error("task failed", logging.String("code", code), logging.String("detail", message))
}

func (w *Worker) record(ctx context.Context, taskID string) {
	if w.journal == nil {
		return
	}
	if task, ok := w.reg.Status(taskID); ok {
		if err := w.journal.Record(ctx, task); err != nil {
			w.logger.Warn("journal record failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	interval := w.store.Retention() / 24
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.sweep(ctx, now)
		}
	}
}

func (w *Worker) sweep(ctx context.Context, now time.Time) {
	for _, taskID := range w.store.Sweep(now) {
		w.reg.Evict(taskID)
		if w.journal != nil {
			if err := w.journal.ClearResult(ctx, taskID); err != nil {
				w.logger.Warn("clear journal result failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
			}
		}
	}
}

func bundleFailure(err error) (string, string) {
	switch {
	case errors.Is(err, bundle.ErrAuth):
		return "bundle.auth", err.Error()
	case errors.Is(err, bundle.ErrSchema):
		return "bundle.schema", err.Error()
	case errors.Is(err, bundle.ErrFormat):
		return "bundle.format", err.Error()
	default:
		return "bundle.error", err.Error()
	}
}

func transcriberFailure(err error) (string, string) {
	var runErr *transcriber.RunError
	switch {
	case errors.As(err, &runErr):
		message := runErr.Error()
		if len(runErr.Tail) > 0 {
			message = runErr.Tail[len(runErr.Tail)-1]
		}
		return "transcriber.exit", message
	case errors.Is(err, transcriber.ErrNoOutput):
		return "transcriber.no_output", err.Error()
	case errors.Is(err, transcriber.ErrAmbiguousOutput):
		return "transcriber.ambiguous_output", err.Error()
	default:
		return "transcriber.error", err.Error()
	}
}
