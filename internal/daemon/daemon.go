package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"unpackd/internal/cleanup"
	"unpackd/internal/config"
	"unpackd/internal/logging"
	"unpackd/internal/pipeline"
	"unpackd/internal/queue"
)

// Daemon owns the long-running pieces: the job store, the pipeline manager,
// and the cleanup scheduler. The IPC server and CLI talk to jobs through it.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	scheduler *cleanup.Scheduler
	manager   *pipeline.Manager

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// Status is a point-in-time daemon summary for status queries.
type Status struct {
	Running     bool
	PID         int
	StartedAt   time.Time
	QueueDBPath string
	SocketPath  string
	Stats       map[queue.Status]int
	Health      queue.HealthSummary
}

// New opens the store and wires the processing components. The daemon is
// built stopped; call Start to begin processing.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "daemon"),
		store:  store,
	}
	d.scheduler = cleanup.New(store, cfg, logger)
	d.manager = pipeline.New(cfg, store, d.scheduler, logger, pipeline.Callbacks{
		OnProgressUpdate: func(jobID int64, update string) {
			d.logger.Debug("progress", logging.Int64("job_id", jobID), logging.String("update", update))
		},
		OnPhaseChange: func(jobID int64, phase string) {
			d.logger.Info("job phase", logging.Int64("job_id", jobID), logging.String("phase", phase))
		},
		OnJobCompleted: func(ownerID string, summary pipeline.JobSummary) {
			d.logger.Info("job finished",
				logging.Int64("job_id", summary.JobID),
				logging.String("owner", ownerID),
				logging.String("status", string(summary.Status)),
				logging.String("reason", string(summary.Reason)),
				logging.Int("members", summary.MemberCount),
				logging.Duration("elapsed", summary.Duration))
		},
		OnLogCopy: func(jobID int64, artifact string) {
			d.logger.Debug("job artifacts retained",
				logging.Int64("job_id", jobID),
				logging.String("workspace", artifact))
		},
	})
	return d, nil
}

// Start recovers interrupted jobs, restores retention deadlines, and launches
// the dispatch and cleanup loops. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	if err := d.manager.Recover(ctx); err != nil {
		return err
	}
	if err := d.scheduler.Restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.running = true
	d.startedAt = time.Now()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.manager.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(runCtx)
	}()

	d.logger.Info("daemon started", logging.Int("pid", os.Getpid()))
	return nil
}

// Stop halts processing and waits for in-flight jobs to settle.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Running reports whether the processing loops are live.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status summarizes the daemon for status queries.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:     d.Running(),
		PID:         os.Getpid(),
		QueueDBPath: d.store.Path(),
		SocketPath:  d.cfg.Paths.SocketPath,
	}
	d.mu.Lock()
	status.StartedAt = d.startedAt
	d.mu.Unlock()

	if stats, err := d.store.Stats(ctx); err == nil {
		status.Stats = stats
	}
	if health, err := d.store.Health(ctx); err == nil {
		status.Health = health
	}
	return status
}

// Admit registers a new job for processing.
func (d *Daemon) Admit(ctx context.Context, ownerID, sourceRef string, kind queue.SourceKind) (*queue.Job, error) {
	return d.manager.Admit(ctx, ownerID, sourceRef, kind)
}

// SupplyPassword forwards a password to a waiting job.
func (d *Daemon) SupplyPassword(ctx context.Context, jobID int64, password string) error {
	return d.manager.SupplyPassword(ctx, jobID, password)
}

// Cancel requests job cancellation.
func (d *Daemon) Cancel(ctx context.Context, jobID int64) error {
	return d.manager.Cancel(ctx, jobID)
}

// Query returns the job view.
func (d *Daemon) Query(ctx context.Context, jobID int64) (*pipeline.JobView, error) {
	return d.manager.Query(ctx, jobID)
}

// List returns jobs, optionally filtered by status.
func (d *Daemon) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	return d.manager.List(ctx, statuses...)
}

// FetchMember resolves one extraction member for delivery.
func (d *Daemon) FetchMember(ctx context.Context, jobID int64, index int) (*pipeline.MemberFile, error) {
	return d.manager.FetchMember(ctx, jobID, index)
}

// FetchAll resolves every member of a completed job.
func (d *Daemon) FetchAll(ctx context.Context, jobID int64) ([]*pipeline.MemberFile, error) {
	return d.manager.FetchAll(ctx, jobID)
}

// Acknowledge reaps a delivered job's workspace immediately.
func (d *Daemon) Acknowledge(ctx context.Context, jobID int64) error {
	return d.manager.Acknowledge(ctx, jobID)
}

// PageSize returns the default member/link page size for describe queries.
func (d *Daemon) PageSize() int {
	if n := d.cfg.Progress.PageSize; n > 0 {
		return n
	}
	return 25
}

// LogPath points at the daemon log file, empty when file logging is off.
func (d *Daemon) LogPath() string {
	if d.cfg.Paths.LogDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.Paths.LogDir, "unpackd.log")
}
