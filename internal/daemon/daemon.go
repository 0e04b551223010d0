// Package daemon composes the memoir services into a single lifecycle: the
// SQLite store, the chunk blob backend, the job scheduler with its pipeline
// handlers, the HTTP/WebSocket API, and the retention sweeper. A flock-based
// lock prevents two daemons from sharing one data directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"memoir/internal/api"
	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/media"
	"memoir/internal/pipeline"
	"memoir/internal/quota"
	"memoir/internal/services/script"
	"memoir/internal/services/stt"
	"memoir/internal/services/stylize"
	"memoir/internal/store"
)

// Daemon owns the composed services.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store *store.Store
	blobs blob.Store
	sched *jobqueue.Scheduler
	api   *api.Server

	lockPath string
	lock     *flock.Flock
}

// New opens the store and wires every service. Call Run to start and Close to
// release resources.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.New(cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	queue := jobqueue.NewQueue(st)
	sched := jobqueue.NewScheduler(queue, cfg, logger)
	quotas := quota.NewManager(st, cfg)

	deps := pipeline.Deps{
		Config: cfg,
		Store:  st,
		Queue:  queue,
		Sched:  sched,
		Blobs:  blobs,
		Media:  media.NewFFmpeg(cfg),
		STT:    stt.NewService(cfg.STT),
		Quota:  quotas,
		Logger: logger,
	}
	// Optional services stay nil when unconfigured; the affected stages
	// degrade instead of erroring.
	if cfg.Stylize.BaseURL != "" {
		deps.Stylizer = stylize.NewClient(cfg.Stylize)
	}
	if cfg.LLM.APIKey != "" {
		deps.Scripts = script.NewClient(cfg.LLM)
	}
	pipe := pipeline.New(deps)

	server := api.NewServer(api.Deps{
		Config: cfg,
		Store:  st,
		Blobs:  blobs,
		Quota:  quotas,
		Pipe:   pipe,
		Logger: logger,
	})

	lockPath := filepath.Join(cfg.Paths.LogDir, "memoird.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		blobs:    blobs,
		sched:    sched,
		api:      server,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Run serves until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another memoir daemon is already running")
	}
	defer func() { _ = d.lock.Unlock() }()

	if err := d.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer d.sched.Stop()

	d.logger.Info("memoir daemon started", logging.String("lock", d.lockPath))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.api.Run(ctx)
	})
	g.Go(func() error {
		return d.runRetentionSweeper(ctx)
	})
	err = g.Wait()
	d.logger.Info("memoir daemon stopped")
	return err
}

// Close releases store resources. Safe after Run returns.
func (d *Daemon) Close() {
	if err := d.blobs.Close(); err != nil {
		d.logger.Warn("close blob store", logging.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store", logging.Error(err))
	}
}
