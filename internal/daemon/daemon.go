package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"murmur/internal/config"
	"murmur/internal/journal"
	"murmur/internal/logging"
	"murmur/internal/registry"
	"murmur/internal/store"
	"murmur/internal/transcriber"
	"murmur/internal/worker"
)

// Daemon coordinates the HTTP surface and the transcription worker, and
// enforces single-instance execution through a lock file.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *registry.Registry
	store   *store.Store
	journal *journal.Journal
	worker  *worker.Worker
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	jnl, err := journal.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	reg := registry.New(cfg.Pool.Capacity)
	st := store.New(cfg, logger)
	runner := transcriber.New(cfg, logger)
	wrk := worker.New(cfg, reg, st, jnl, runner, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		reg:      reg,
		store:    st,
		journal:  jnl,
		worker:   wrk,
		lockPath: filepath.Join(cfg.Paths.LogDir, "murmurd.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, launches the worker, and begins serving
// the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another murmurd instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.worker.Start(runCtx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.worker.Wait()
		_ = d.lock.Unlock()
		d.cancel = nil
		return err
	}

	d.running.Store(true)
	d.logger.Info("murmurd started",
		logging.String("bind", d.api.addr()),
		logging.Int("capacity", d.cfg.Pool.Capacity),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts down the HTTP server and the worker, then releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.worker.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("murmurd stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// Addr returns the bound API address once the daemon is started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}
