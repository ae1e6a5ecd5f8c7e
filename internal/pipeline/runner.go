package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"unpackd/internal/archive"
	"unpackd/internal/classify"
	"unpackd/internal/download"
	"unpackd/internal/links"
	"unpackd/internal/logging"
	"unpackd/internal/progress"
	"unpackd/internal/queue"
	"unpackd/internal/workspace"
)

// runJob executes one claimed job end to end. The job arrives already in
// Downloading state.
func (m *Manager) runJob(parent context.Context, job *queue.Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r := &runner{cancel: cancel, sampler: logging.NewProgressSampler(0)}
	m.registerRunner(job.ID, r)
	defer m.dropRunner(job.ID)

	started := time.Now()
	ctx = logging.WithAttrs(ctx, logging.Int64("job_id", job.ID), logging.String("owner", job.OwnerID))
	log := logging.WithContext(ctx, m.logger)
	log.Info("job started", logging.String("archive", job.ArchiveName))

	// A cancel that raced the dispatch claim is only visible in the store.
	if fresh, err := m.store.GetByID(ctx, job.ID); err == nil && fresh.CancelRequested {
		job.CancelRequested = true
		r.cancelled.Store(true)
	}
	if r.cancelled.Load() {
		m.cancelJob(ctx, job, started)
		return
	}
	m.notifyPhase(job.ID, string(progress.PhaseDownloading))

	ws, err := workspace.Create(m.cfg.Paths.WorkDir, job.OwnerID, m.cfg.MaxArchiveBytes())
	if err != nil {
		m.failJob(ctx, job, queue.ReasonIOFailure, fmt.Sprintf("allocate workspace: %v", err), started)
		return
	}
	job.Workspace = ws.Root()
	if err := m.store.Update(ctx, job); err != nil {
		m.failJob(ctx, job, queue.ReasonInternal, fmt.Sprintf("persist workspace: %v", err), started)
		return
	}

	// Extraction holds the workspace lock so the reaper cannot delete a
	// directory that is being written into.
	if err := ws.Lock(); err != nil {
		m.failJob(ctx, job, queue.ReasonIOFailure, fmt.Sprintf("lock workspace: %v", err), started)
		return
	}
	defer ws.Unlock()

	if free, err := ws.FreeSpace(); err == nil {
		if limit := m.cfg.MaxArchiveBytes(); limit > 0 && free < uint64(limit) {
			log.Warn("free space below archive limit",
				logging.Int64("free_bytes", int64(free)),
				logging.Int64("limit_bytes", limit))
		}
	}

	tracker := progress.NewTracker(progress.PhaseDownloading)
	reporter := progress.NewReporter(m.cfg.UpdateInterval())

	artifact, err := m.acquire(ctx, job, r, ws, tracker, reporter)
	if err != nil {
		m.settleError(ctx, job, r, err, queue.ReasonDownloadFailed, started)
		return
	}
	job.ArchiveName = filepath.Base(artifact)

	format, err := detectFormat(artifact, job.ArchiveName)
	if err != nil {
		m.failJob(ctx, job, queue.ReasonUnsupported, err.Error(), started)
		return
	}
	job.Format = string(format)
	if err := m.store.Update(ctx, job); err != nil {
		m.failJob(ctx, job, queue.ReasonInternal, fmt.Sprintf("persist format: %v", err), started)
		return
	}

	result, err := m.extract(ctx, job, r, ws, artifact, format, tracker, reporter)
	if err != nil {
		m.settleError(ctx, job, r, err, queue.ReasonCorrupt, started)
		return
	}
	for _, w := range result.Warnings {
		job.AddWarning(w)
	}

	if err := m.store.Transition(ctx, job, queue.StatusClassifying); err != nil {
		m.failJob(ctx, job, queue.ReasonInternal, fmt.Sprintf("enter classifying: %v", err), started)
		return
	}
	tracker.SwitchPhase(progress.PhaseClassifying)
	m.notifyPhase(job.ID, string(progress.PhaseClassifying))
	m.publish(ctx, job, r, tracker, reporter)

	m.index(ctx, job, ws, log)

	if err := m.store.Transition(ctx, job, queue.StatusCompleted); err != nil {
		m.failJob(ctx, job, queue.ReasonInternal, fmt.Sprintf("enter completed: %v", err), started)
		return
	}
	tracker.SwitchPhase(progress.PhaseDone)
	m.notifyPhase(job.ID, string(progress.PhaseDone))
	tracker.Observe(result.WrittenBytes, result.WrittenBytes, job.ArchiveName)
	m.publish(ctx, job, r, tracker, reporter)

	log.Info("job completed",
		logging.Int64("bytes", result.WrittenBytes),
		logging.Int("members", len(result.Members)),
		logging.Duration("elapsed", time.Since(started)))
	m.finalize(ctx, job, started)
}

// acquire transfers the source artifact into the workspace.
func (m *Manager) acquire(ctx context.Context, job *queue.Job, r *runner, ws *workspace.Workspace, tracker *progress.Tracker, reporter *progress.Reporter) (string, error) {
	dir, err := ws.ArtifactDir()
	if err != nil {
		return "", err
	}
	provider := m.remote
	if job.SourceKind == queue.SourceUpload {
		provider = m.local
	}

	artifact, err := provider.Fetch(ctx, job.SourceRef, dir, func(bytes, total int64) {
		tracker.Observe(bytes, total, job.ArchiveName)
		m.publish(ctx, job, r, tracker, reporter)
	})
	if err != nil {
		return "", err
	}

	if limit := m.cfg.MaxArchiveBytes(); limit > 0 {
		if info, err := os.Stat(artifact); err == nil && info.Size() > limit {
			return "", fmt.Errorf("%w: artifact is %d bytes, limit %d", workspace.ErrBudgetExceeded, info.Size(), limit)
		}
	}
	return artifact, nil
}

func detectFormat(artifact, declaredName string) (archive.Format, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return archive.FormatUnrecognized, fmt.Errorf("open artifact: %v", err)
	}
	defer f.Close()

	header := make([]byte, archive.HeaderLen)
	n, err := f.Read(header)
	if err != nil && !errors.Is(err, io.EOF) {
		return archive.FormatUnrecognized, fmt.Errorf("read artifact header: %v", err)
	}

	format := archive.Identify(header[:n], declaredName)
	if format == archive.FormatUnrecognized {
		return format, fmt.Errorf("unrecognized archive format for %q", declaredName)
	}
	return format, nil
}

// extract runs the password-retry loop around the extraction engine. The
// attempt limit counts supplied passwords that fail, not the initial
// passwordless attempt.
func (m *Manager) extract(ctx context.Context, job *queue.Job, r *runner, ws *workspace.Workspace, artifact string, format archive.Format, tracker *progress.Tracker, reporter *progress.Reporter) (*archive.Result, error) {
	password := ""
	for {
		if err := m.store.Transition(ctx, job, queue.StatusExtracting); err != nil {
			return nil, fmt.Errorf("enter extracting: %v", err)
		}
		if tracker.Snapshot().Phase != progress.PhaseExtracting {
			tracker.SwitchPhase(progress.PhaseExtracting)
			m.notifyPhase(job.ID, string(progress.PhaseExtracting))
			m.publish(ctx, job, r, tracker, reporter)
		}

		result, err := archive.Extract(ctx, format, archive.Request{
			ArchivePath: artifact,
			Workspace:   ws,
			Password:    password,
			Cancelled:   r.cancelled.Load,
			OnProgress: func(written, total int64, member string) {
				tracker.Observe(written, total, member)
				m.publish(ctx, job, r, tracker, reporter)
			},
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, archive.ErrNeedsPassword) && !errors.Is(err, archive.ErrBadPassword) {
			return nil, err
		}

		if errors.Is(err, archive.ErrBadPassword) {
			job.PasswordAttempts++
			if job.PasswordAttempts >= m.cfg.Limits.PasswordAttempts {
				return nil, fmt.Errorf("%w: %d attempts used", errPasswordExhausted, job.PasswordAttempts)
			}
		}

		// An interrupted attempt may have written partial members before the
		// encrypted one rejected the password. The next attempt rewrites
		// everything, so both the files and their byte charges must go.
		if err := os.RemoveAll(ws.ExtractedPath()); err != nil {
			return nil, fmt.Errorf("reset extraction dir: %v", err)
		}
		ws.ResetUsage()

		if err := m.store.Transition(ctx, job, queue.StatusAwaitingPassword); err != nil {
			return nil, fmt.Errorf("enter awaiting_password: %v", err)
		}
		m.notifyPhase(job.ID, string(queue.StatusAwaitingPassword))
		m.notifyProgress(job.ID, fmt.Sprintf("[awaiting_password] archive %q needs a password (attempt %d of %d)",
			job.ArchiveName, job.PasswordAttempts+1, m.cfg.Limits.PasswordAttempts))

		select {
		case password = <-m.passwordChan(job.ID):
		case <-time.After(m.cfg.PasswordWait()):
			return nil, errPasswordTimeout
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", archive.ErrCancelled, ctx.Err())
		}
	}
}

var (
	errPasswordExhausted = errors.New("password attempts exhausted")
	errPasswordTimeout   = errors.New("timed out waiting for a password")
)

// index runs classification and the link scan. Either failing is a warning,
// never a job failure.
func (m *Manager) index(ctx context.Context, job *queue.Job, ws *workspace.Workspace, log *slog.Logger) {
	idx, err := classify.Build(ws.ExtractedPath())
	if err != nil {
		job.AddWarning(fmt.Sprintf("classification failed: %v", err))
		log.Warn("classification failed", logging.Error(err))
		idx = &classify.Index{Counts: map[classify.Category]int{}}
	}
	if data, err := json.Marshal(idx); err == nil {
		job.IndexJSON = string(data)
	} else {
		job.AddWarning(fmt.Sprintf("member index not recorded: %v", err))
	}

	li := links.Scan(ws.ExtractedPath(), idx.TextMembers())
	for _, w := range li.Warnings {
		job.AddWarning(w)
	}
	if data, err := json.Marshal(li); err == nil {
		job.LinksJSON = string(data)
	} else {
		job.AddWarning(fmt.Sprintf("link index not recorded: %v", err))
	}

	if err := m.store.Update(ctx, job); err != nil {
		log.Warn("result indexes not persisted", logging.Error(err))
	}
}

// settleError classifies a stage error into a terminal state. fallback names
// the reason when the error carries no more specific one.
func (m *Manager) settleError(ctx context.Context, job *queue.Job, r *runner, err error, fallback queue.FailureReason, started time.Time) {
	switch {
	case r.cancelled.Load() || errors.Is(err, archive.ErrCancelled):
		m.cancelJob(ctx, job, started)
	case ctx.Err() != nil:
		// Process shutdown, not a user cancel. The record stays in flight
		// and restart recovery settles it.
		m.logger.Warn("job interrupted by shutdown", logging.Int64("job_id", job.ID))
	case errors.Is(err, errPasswordExhausted):
		m.failJob(ctx, job, queue.ReasonPasswordExhausted, err.Error(), started)
	case errors.Is(err, errPasswordTimeout):
		m.failJob(ctx, job, queue.ReasonPasswordTimeout, err.Error(), started)
	case errors.Is(err, archive.ErrCorrupt):
		m.failJob(ctx, job, queue.ReasonCorrupt, err.Error(), started)
	case errors.Is(err, archive.ErrUnsupported):
		m.failJob(ctx, job, queue.ReasonUnsupported, err.Error(), started)
	case errors.Is(err, workspace.ErrBudgetExceeded), errors.Is(err, workspace.ErrPathEscapes):
		m.failJob(ctx, job, queue.ReasonIOFailure, err.Error(), started)
	case errors.Is(err, download.ErrFailed):
		m.failJob(ctx, job, queue.ReasonDownloadFailed, err.Error(), started)
	default:
		m.failJob(ctx, job, fallback, err.Error(), started)
	}
}

func (m *Manager) cancelJob(ctx context.Context, job *queue.Job, started time.Time) {
	// The runner's context is already cancelled, so persistence uses a
	// fresh one.
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Transition(ctx, job, queue.StatusCancelled); err != nil {
		m.logger.Error("cancel transition failed", logging.Int64("job_id", job.ID), logging.Error(err))
		return
	}
	m.logger.Info("job cancelled", logging.Int64("job_id", job.ID))
	m.finalize(ctx, job, started)
}

func (m *Manager) failJob(ctx context.Context, job *queue.Job, reason queue.FailureReason, message string, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	job.SetFailed(reason, message)
	if err := m.store.Update(ctx, job); err != nil {
		m.logger.Error("failure not persisted", logging.Int64("job_id", job.ID), logging.Error(err))
	}
	m.logger.Error("job failed",
		logging.Int64("job_id", job.ID),
		logging.String("reason", string(reason)),
		logging.String("message", message))
	m.notifyProgress(job.ID, fmt.Sprintf("[failed] %s: %s", reason, message))
	m.finalize(ctx, job, started)
}

// finalize fires the terminal-state callbacks, best effort.
func (m *Manager) finalize(ctx context.Context, job *queue.Job, started time.Time) {
	var duration time.Duration
	if !started.IsZero() {
		duration = time.Since(started)
	}

	summary := JobSummary{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		ArchiveName: job.ArchiveName,
		Status:      job.Status,
		Reason:      job.FailureReason,
		Duration:    duration,
	}
	if job.IndexJSON != "" {
		var idx classify.Index
		if err := json.Unmarshal([]byte(job.IndexJSON), &idx); err == nil {
			summary.MemberCount = idx.Count()
			summary.TotalBytes = idx.TotalBytes
		}
	}

	if m.callbacks.OnJobCompleted != nil {
		m.callbacks.OnJobCompleted(job.OwnerID, summary)
	}
	if m.callbacks.OnLogCopy != nil {
		func() {
			defer func() { _ = recover() }()
			m.callbacks.OnLogCopy(job.ID, job.Workspace)
		}()
	}
}

// publish persists rendered progress and forwards it to the transport. The
// reporter's rate limit gates both; the runner's sampler additionally gates
// the log line so steady transfers do not flood the log.
func (m *Manager) publish(ctx context.Context, job *queue.Job, r *runner, tracker *progress.Tracker, reporter *progress.Reporter) {
	snapshot := tracker.Snapshot()
	rendered, ok := reporter.Report(snapshot)
	if !ok {
		return
	}
	job.SetProgress(string(snapshot.Phase), rendered, snapshot.Percent())
	if err := m.store.Update(context.WithoutCancel(ctx), job); err != nil {
		m.logger.Debug("progress not persisted", logging.Int64("job_id", job.ID), logging.Error(err))
	}
	if r.sampler.ShouldLog(snapshot.Percent(), string(snapshot.Phase), snapshot.Detail) {
		m.logger.Debug("progress",
			logging.Int64("job_id", job.ID),
			logging.String("update", rendered))
	}
	m.notifyProgress(job.ID, rendered)
}

func (m *Manager) notifyProgress(jobID int64, update string) {
	if m.callbacks.OnProgressUpdate == nil {
		return
	}
	m.callbacks.OnProgressUpdate(jobID, update)
}

func (m *Manager) notifyPhase(jobID int64, phase string) {
	if m.callbacks.OnPhaseChange == nil {
		return
	}
	m.callbacks.OnPhaseChange(jobID, phase)
}
