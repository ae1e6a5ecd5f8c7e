package cleanup

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"unpackd/internal/config"
	"unpackd/internal/logging"
	"unpackd/internal/queue"
	"unpackd/internal/workspace"
)

// ErrStillActive is returned when an immediate reap is requested for a job
// that has not reached a terminal state.
var ErrStillActive = errors.New("job is still active")

// retryDelay spaces out reap attempts that lose the workspace lock race
// against a still-running extraction.
const retryDelay = 30 * time.Second

type deadline struct {
	jobID int64
	at    time.Time
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler reaps job workspaces once their retention deadline passes and
// purges terminal job records after the post-reap grace period. Deadlines
// live in a min-heap and are re-derived from the store on startup, so a
// restart loses no scheduled work.
type Scheduler struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger

	mu        sync.Mutex
	deadlines deadlineHeap
	wake      chan struct{}
}

// New builds a scheduler. Call Restore before Run so pre-restart jobs get
// their deadlines back.
func New(store *queue.Store, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "cleanup"),
		wake:   make(chan struct{}, 1),
	}
}

// Restore schedules a reap for every job whose workspace has not been
// reclaimed yet, using the persisted retention deadline.
func (s *Scheduler) Restore(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore deadlines: %w", err)
	}
	restored := 0
	for _, job := range jobs {
		if job.WorkspaceReaped {
			continue
		}
		s.Schedule(job.ID, job.RetainUntil)
		restored++
	}
	if restored > 0 {
		s.logger.Info("restored retention deadlines", logging.Int("jobs", restored))
	}
	return nil
}

// Schedule registers a reap deadline for a job. Safe to call from any
// goroutine; the run loop re-arms its timer.
func (s *Scheduler) Schedule(jobID int64, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.deadlines, deadline{jobID: jobID, at: at})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Immediate reaps a terminal job's workspace right away, on explicit
// cancellation or a caller's done acknowledgment.
func (s *Scheduler) Immediate(ctx context.Context, jobID int64) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("%w: job %d in state %s", ErrStillActive, jobID, job.Status)
	}
	return s.reapTerminal(ctx, job)
}

// Run drives the deadline loop until ctx is cancelled. Reaped record purging
// piggybacks on a slow ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	purge := time.NewTicker(5 * time.Minute)
	defer purge.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if next, ok := s.peek(); ok {
			wait := time.Until(next.at)
			if wait < 0 {
				wait = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
			s.reapDue(ctx)
		case <-purge.C:
			s.purgeRecords(ctx)
		}
	}
}

func (s *Scheduler) peek() (deadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deadlines) == 0 {
		return deadline{}, false
	}
	return s.deadlines[0], true
}

func (s *Scheduler) popDue(now time.Time) (deadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deadlines) == 0 || s.deadlines[0].at.After(now) {
		return deadline{}, false
	}
	return heap.Pop(&s.deadlines).(deadline), true
}

func (s *Scheduler) reapDue(ctx context.Context) {
	now := time.Now()
	for {
		due, ok := s.popDue(now)
		if !ok {
			return
		}
		if err := s.reapOne(ctx, due.jobID); err != nil {
			s.logger.Error("reap failed",
				logging.Int64("job_id", due.jobID), logging.Error(err))
			s.Schedule(due.jobID, now.Add(retryDelay))
		}
	}
}

func (s *Scheduler) reapOne(ctx context.Context, jobID int64) error {
	job, err := s.store.GetByID(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.WorkspaceReaped {
		return nil
	}

	// A deadline that fires while the job is still running gets one grace
	// extension per firing instead of deleting storage in active use.
	if !job.IsTerminal() {
		until := time.Now().Add(s.cfg.RetentionGrace())
		s.logger.Warn("job still active at retention deadline",
			logging.Int64("job_id", job.ID),
			logging.String("status", string(job.Status)),
			logging.String("extended_until", until.Format(time.RFC3339)))
		if err := s.store.ExtendRetention(ctx, job.ID, until); err != nil {
			return err
		}
		s.Schedule(job.ID, until)
		return nil
	}

	return s.reapTerminal(ctx, job)
}

func (s *Scheduler) reapTerminal(ctx context.Context, job *queue.Job) error {
	if job.WorkspaceReaped {
		return nil
	}
	if job.Workspace != "" {
		ws := workspace.Attach(job.Workspace, 0)
		held, err := ws.TryLock()
		if err != nil {
			return fmt.Errorf("lock workspace: %w", err)
		}
		if !held {
			return errors.New("workspace lock contended")
		}
		removeErr := ws.Remove()
		ws.Unlock()
		if removeErr != nil {
			return removeErr
		}
	}
	if err := s.store.MarkReaped(ctx, job.ID); err != nil {
		return err
	}
	s.logger.Info("workspace reaped",
		logging.Int64("job_id", job.ID),
		logging.String("status", string(job.Status)))
	return nil
}

func (s *Scheduler) purgeRecords(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RecordGrace())
	purged, err := s.store.PurgeReaped(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge of reaped records failed", logging.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("purged reaped job records", logging.Int64("jobs", purged))
	}
}
