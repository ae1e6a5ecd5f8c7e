package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"unpackd/internal/classify"
	"unpackd/internal/cleanup"
	"unpackd/internal/config"
	"unpackd/internal/download"
	"unpackd/internal/links"
	"unpackd/internal/logging"
	"unpackd/internal/queue"
	"unpackd/internal/workspace"
)

var (
	// ErrNotAwaitingPassword is returned when a password arrives for a job
	// that is not waiting for one.
	ErrNotAwaitingPassword = errors.New("job is not awaiting a password")

	// ErrPasswordPending is returned when a password is already queued for
	// the job and has not been consumed yet.
	ErrPasswordPending = errors.New("a password is already pending for this job")

	// ErrNotCompleted is returned for member fetches against jobs that have
	// not completed successfully.
	ErrNotCompleted = errors.New("job has not completed")

	// ErrWorkspaceReaped is returned when a fetch arrives after the
	// retention window reclaimed the job's storage.
	ErrWorkspaceReaped = errors.New("workspace has been reclaimed")
)

// Callbacks are the outbound notifications the pipeline delivers to its
// collaborators. All fields are optional; OnLogCopy failures are swallowed.
// OnPhaseChange fires once per pipeline phase so consumers do not have to
// parse the rendered OnProgressUpdate text.
type Callbacks struct {
	OnProgressUpdate func(jobID int64, update string)
	OnPhaseChange    func(jobID int64, phase string)
	OnJobCompleted   func(ownerID string, summary JobSummary)
	OnLogCopy        func(jobID int64, artifact string)
}

// JobSummary is the one-way completion notification payload.
type JobSummary struct {
	JobID       int64
	OwnerID     string
	ArchiveName string
	Status      queue.Status
	Reason      queue.FailureReason
	MemberCount int
	TotalBytes  int64
	Duration    time.Duration
}

// JobView is the queryable projection of one job. Index and Links are only
// populated for completed jobs.
type JobView struct {
	Job   queue.Job
	Index *classify.Index
	Links *links.Index
}

// MemberFile locates one fetchable extraction member on disk.
type MemberFile struct {
	Member classify.Member
	Path   string
}

// runner tracks one in-flight job's cancellation handles and log sampling.
type runner struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	sampler   *logging.ProgressSampler
}

// Manager owns the job lifecycle: admission, worker dispatch, the password
// hand-off, cancellation, and result retrieval.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	scheduler *cleanup.Scheduler
	remote    download.Provider
	local     download.Provider
	callbacks Callbacks
	logger    *slog.Logger

	mu        sync.Mutex
	runners   map[int64]*runner
	passwords map[int64]chan string

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

// New wires a manager. scheduler may be nil in tests that never reap.
func New(cfg *config.Config, store *queue.Store, scheduler *cleanup.Scheduler, logger *slog.Logger, callbacks Callbacks) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Limits.MaxConcurrentJobs
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		remote:    download.NewHTTP(cfg),
		local:     download.Local{},
		callbacks: callbacks,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		runners:   make(map[int64]*runner),
		passwords: make(map[int64]chan string),
		slots:     make(chan struct{}, workers),
		wake:      make(chan struct{}, 1),
	}
}

// SetProviders swaps the artifact providers, used by tests and alternative
// transports.
func (m *Manager) SetProviders(remote, local download.Provider) {
	m.remote = remote
	m.local = local
}

// Recover marks jobs that were in flight when the previous process died as
// failed. Queued jobs survive untouched and will be picked up again.
func (m *Manager) Recover(ctx context.Context) error {
	reset, err := m.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if reset > 0 {
		m.logger.Warn("failed jobs interrupted by restart", logging.Int64("jobs", reset))
	}
	return nil
}

// Admit registers a new job. Each owner may hold one active job; admissions
// beyond the queue capacity are rejected rather than queued.
func (m *Manager) Admit(ctx context.Context, ownerID, sourceRef string, kind queue.SourceKind) (*queue.Job, error) {
	name := path.Base(sourceRef)
	job, err := m.store.Admit(ctx, ownerID, sourceRef, kind, name, m.cfg.RetentionWindow(), m.cfg.Limits.MaxQueuedJobs)
	if err != nil {
		return nil, err
	}
	if m.scheduler != nil {
		m.scheduler.Schedule(job.ID, job.RetainUntil)
	}
	m.logger.Info("job admitted",
		logging.Int64("job_id", job.ID),
		logging.String("owner", ownerID),
		logging.String("source_kind", string(kind)))
	m.kick()
	return job, nil
}

// SupplyPassword hands a password to a job waiting in AwaitingPassword. Only
// one unconsumed password may be pending at a time.
func (m *Manager) SupplyPassword(ctx context.Context, jobID int64, password string) error {
	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusAwaitingPassword {
		return fmt.Errorf("%w: job %d is %s", ErrNotAwaitingPassword, jobID, job.Status)
	}
	select {
	case m.passwordChan(jobID) <- password:
		return nil
	default:
		return ErrPasswordPending
	}
}

// Cancel requests cancellation. Queued jobs cancel immediately; running jobs
// stop at the next extraction checkpoint; jobs waiting for a password abort
// their wait.
func (m *Manager) Cancel(ctx context.Context, jobID int64) error {
	job, err := m.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	m.mu.Lock()
	r := m.runners[jobID]
	m.mu.Unlock()

	if r != nil {
		r.cancelled.Store(true)
		r.cancel()
		return nil
	}

	// Not running yet, so there is no checkpoint to wait for. The guarded
	// transition loses when dispatch claims the row first; the claiming
	// runner then observes the persisted cancel flag and settles the job.
	if err := m.store.Transition(ctx, job, queue.StatusCancelled); err != nil {
		if errors.Is(err, queue.ErrStaleJob) {
			m.mu.Lock()
			r = m.runners[jobID]
			m.mu.Unlock()
			if r != nil {
				r.cancelled.Store(true)
				r.cancel()
			}
			return nil
		}
		return err
	}
	m.finalize(ctx, job, time.Time{})
	return nil
}

// Query returns the job's current view, decoding the result indexes once the
// job has completed.
func (m *Manager) Query(ctx context.Context, jobID int64) (*JobView, error) {
	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: *job}
	if job.Status != queue.StatusCompleted {
		return view, nil
	}
	if job.IndexJSON != "" {
		var idx classify.Index
		if err := json.Unmarshal([]byte(job.IndexJSON), &idx); err == nil {
			view.Index = &idx
		}
	}
	if job.LinksJSON != "" {
		var li links.Index
		if err := json.Unmarshal([]byte(job.LinksJSON), &li); err == nil {
			view.Links = &li
		}
	}
	return view, nil
}

// List returns jobs filtered to the given statuses, all when none given.
func (m *Manager) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	return m.store.List(ctx, statuses...)
}

// FetchMember resolves the on-disk location of one member by its dense index.
func (m *Manager) FetchMember(ctx context.Context, jobID int64, index int) (*MemberFile, error) {
	view, members, err := m.fetchable(ctx, jobID)
	if err != nil {
		return nil, err
	}
	member, err := view.Index.MemberAt(index)
	if err != nil {
		return nil, err
	}
	return &MemberFile{Member: member, Path: members[index]}, nil
}

// FetchAll resolves every member of a completed job in index order.
func (m *Manager) FetchAll(ctx context.Context, jobID int64) ([]*MemberFile, error) {
	view, paths, err := m.fetchable(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*MemberFile, len(view.Index.Members))
	for i, member := range view.Index.Members {
		out[i] = &MemberFile{Member: member, Path: paths[i]}
	}
	return out, nil
}

func (m *Manager) fetchable(ctx context.Context, jobID int64) (*JobView, []string, error) {
	view, err := m.Query(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if view.Job.Status != queue.StatusCompleted || view.Index == nil {
		return nil, nil, fmt.Errorf("%w: job %d is %s", ErrNotCompleted, jobID, view.Job.Status)
	}
	if view.Job.WorkspaceReaped {
		return nil, nil, fmt.Errorf("%w: job %d", ErrWorkspaceReaped, jobID)
	}

	ws := workspace.Attach(view.Job.Workspace, 0)
	paths := make([]string, len(view.Index.Members))
	for i, member := range view.Index.Members {
		resolved, err := ws.Resolve(path.Join("extracted", member.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("resolve member %d: %w", i, err)
		}
		paths[i] = resolved
	}
	return view, paths, nil
}

// Acknowledge is the caller's "done, delivered" signal: the workspace is
// reaped immediately instead of waiting out the retention window.
func (m *Manager) Acknowledge(ctx context.Context, jobID int64) error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Immediate(ctx, jobID)
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight jobs to stop. Store errors back off for the configured retry
// interval instead of spinning on the poll ticker.
func (m *Manager) Run(ctx context.Context) error {
	poll := time.NewTicker(time.Duration(m.cfg.Workflow.QueuePollInterval) * time.Second)
	defer poll.Stop()
	retry := time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	if retry <= 0 {
		retry = 10 * time.Second
	}

	for {
		err := m.dispatch(ctx)
		wait := poll.C
		if err != nil {
			wait = time.After(retry)
		}
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-m.wake:
		case <-wait:
		}
	}
}

// dispatch claims queued jobs oldest first while worker slots are free.
func (m *Manager) dispatch(ctx context.Context) error {
	for {
		select {
		case m.slots <- struct{}{}:
		default:
			return nil
		}

		job, err := m.store.NextForStatuses(ctx, queue.StatusQueued)
		if err != nil || job == nil {
			<-m.slots
			if err != nil {
				m.logger.Error("queue poll failed", logging.Error(err))
			}
			return err
		}
		claimed, err := m.store.ClaimQueued(ctx, job.ID)
		if err != nil {
			<-m.slots
			m.logger.Error("claim failed", logging.Int64("job_id", job.ID), logging.Error(err))
			return err
		}
		if !claimed {
			// A concurrent cancel settled the row between poll and claim.
			<-m.slots
			continue
		}
		job.Status = queue.StatusDownloading

		m.wg.Add(1)
		go func(job *queue.Job) {
			defer m.wg.Done()
			defer func() {
				<-m.slots
				m.kick()
			}()
			m.runJob(ctx, job)
		}(job)
	}
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) passwordChan(jobID int64) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.passwords[jobID]
	if !ok {
		ch = make(chan string, 1)
		m.passwords[jobID] = ch
	}
	return ch
}

func (m *Manager) registerRunner(jobID int64, r *runner) {
	m.mu.Lock()
	m.runners[jobID] = r
	m.mu.Unlock()
}

func (m *Manager) dropRunner(jobID int64) {
	m.mu.Lock()
	delete(m.runners, jobID)
	delete(m.passwords, jobID)
	m.mu.Unlock()
}
