package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"unpackd/internal/config"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the job database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "jobs.db")
	return OpenPath(dbPath)
}

// OpenPath connects to a job database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Admit inserts a new queued job unless the owner already has an active one.
// The one-active-job-per-owner invariant is enforced inside a single INSERT
// statement so concurrent admissions for the same owner cannot both pass.
func (s *Store) Admit(ctx context.Context, ownerID, sourceRef string, kind SourceKind, archiveName string, retention time.Duration, maxQueued int) (*Job, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("owner id is empty")
	}
	if strings.TrimSpace(sourceRef) == "" {
		return nil, errors.New("source ref is empty")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	retainUntil := now.Add(retention).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            owner_id, source_ref, source_kind, archive_name, status,
            created_at, updated_at, retain_until
        )
        SELECT ?, ?, ?, ?, ?, ?, ?, ?
        WHERE NOT EXISTS (
            SELECT 1 FROM jobs
            WHERE owner_id = ? AND status NOT IN (?, ?, ?)
        )`,
		ownerID,
		sourceRef,
		kind,
		nullableString(archiveName),
		StatusQueued,
		timestamp,
		timestamp,
		retainUntil,
		ownerID,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrAlreadyActive
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if maxQueued > 0 {
		var queued int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, StatusQueued)
		if err := row.Scan(&queued); err != nil {
			return nil, fmt.Errorf("count queued: %w", err)
		}
		if queued > maxQueued {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
				return nil, fmt.Errorf("roll back over-capacity admit: %w", err)
			}
			return nil, ErrCapacityExceeded
		}
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. Returns ErrNotFound when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveForOwner returns the owner's non-terminal job, or nil.
func (s *Store) ActiveForOwner(ctx context.Context, ownerID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE owner_id = ? AND status NOT IN (?, ?, ?)
         ORDER BY id LIMIT 1`,
		ownerID, StatusCompleted, StatusFailed, StatusCancelled,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active for owner: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	_, err := s.update(ctx, job, nil)
	return err
}

// update writes the full row. When guard is non-nil the write only lands if
// the stored status still matches it; the returned count tells the caller
// whether it did.
func (s *Store) update(ctx context.Context, job *Job, guard *Status) (int64, error) {
	if job == nil {
		return 0, errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()

	query := `UPDATE jobs
         SET source_ref = ?, source_kind = ?, archive_name = ?, format = ?,
             status = ?, failure_reason = ?, error_message = ?, workspace = ?,
             workspace_reaped = ?, reaped_at = ?, progress_phase = ?,
             progress_percent = ?, progress_message = ?, password_attempts = ?,
             cancel_requested = ?, index_json = ?, links_json = ?,
             warnings_json = ?, updated_at = ?, retain_until = ?
         WHERE id = ?`
	args := []any{
		job.SourceRef,
		job.SourceKind,
		nullableString(job.ArchiveName),
		nullableString(job.Format),
		job.Status,
		nullableString(string(job.FailureReason)),
		nullableString(job.ErrorMessage),
		nullableString(job.Workspace),
		boolToInt(job.WorkspaceReaped),
		nullableTime(job.ReapedAt),
		nullableString(job.ProgressPhase),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		job.PasswordAttempts,
		boolToInt(job.CancelRequested),
		nullableString(job.IndexJSON),
		nullableString(job.LinksJSON),
		nullableString(job.WarningsJSON),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.RetainUntil.UTC().Format(time.RFC3339Nano),
		job.ID,
	}
	if guard != nil {
		query += ` AND status = ?`
		args = append(args, *guard)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// Transition validates and applies a status change, persisting the job. The
// write is guarded on the status the caller observed, so two writers racing
// on the same row cannot silently overwrite each other; the loser gets
// ErrStaleJob and the in-memory status is rolled back.
// An illegal transition is an internal error, never user-facing.
func (s *Store) Transition(ctx context.Context, job *Job, to Status) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if !IsValidTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %d)", ErrIllegalTransition, job.Status, to, job.ID)
	}
	from := job.Status
	job.Status = to
	affected, err := s.update(ctx, job, &from)
	if err != nil {
		job.Status = from
		return err
	}
	if affected == 0 {
		job.Status = from
		return fmt.Errorf("%w: job %d already left %s", ErrStaleJob, job.ID, from)
	}
	return nil
}

// ClaimQueued moves a queued job to downloading without rewriting any other
// column, so a cancel flag set between load and claim survives. Returns false
// when the row already left queued.
func (s *Store) ClaimQueued(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusDownloading,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// RequestCancel sets the cancellation flag with a targeted write that cannot
// clobber a concurrent status change. The pipeline observes the flag at the
// next checkpoint; callers handle immediate transitions for parked states.
func (s *Store) RequestCancel(ctx context.Context, id int64) (*Job, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	); err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	job.CancelRequested = true
	return job, nil
}

// List returns jobs filtered by status set (or all jobs when none given),
// ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextForStatuses returns the oldest job matching any of the provided statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at, id LIMIT 1`,
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResetInFlight fails jobs left mid-pipeline by a previous daemon run. Queued
// jobs are preserved; their work has not started.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, failure_reason = ?, error_message = 'daemon restarted mid-job',
             progress_phase = 'failed', updated_at = ?
         WHERE status IN (?, ?, ?, ?)`,
		StatusFailed,
		ReasonDaemonRestart,
		now,
		StatusDownloading,
		StatusAwaitingPassword,
		StatusExtracting,
		StatusClassifying,
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight jobs: %w", err)
	}
	return res.RowsAffected()
}

// MarkReaped records that the job's workspace has been deleted.
func (s *Store) MarkReaped(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET workspace_reaped = 1, reaped_at = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark reaped: %w", err)
	}
	return nil
}

// ExtendRetention pushes a job's reap deadline out, used for the single grace
// extension granted to jobs still running at their deadline.
func (s *Store) ExtendRetention(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET retain_until = ?, updated_at = ? WHERE id = ?`,
		until.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("extend retention: %w", err)
	}
	return nil
}

// PurgeReaped removes terminal job records whose reaped workspace grace period
// has elapsed. The record stays queryable until then so a job never silently
// vanishes.
func (s *Store) PurgeReaped(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs
         WHERE workspace_reaped = 1 AND status IN (?, ?, ?) AND reaped_at < ?`,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("purge reaped jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusQueued:
			health.Queued += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		default:
			health.Active += count
		}
	}
	return health, nil
}

const jobColumns = "id, owner_id, source_ref, source_kind, archive_name, format, status, failure_reason, error_message, workspace, workspace_reaped, reaped_at, progress_phase, progress_percent, progress_message, password_attempts, cancel_requested, index_json, links_json, warnings_json, created_at, updated_at, retain_until"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id               int64
		ownerID          string
		sourceRef        string
		sourceKind       string
		archiveName      sql.NullString
		format           sql.NullString
		statusStr        string
		failureReason    sql.NullString
		errorMessage     sql.NullString
		workspace        sql.NullString
		workspaceReaped  sql.NullInt64
		reapedRaw        sql.NullString
		progressPhase    sql.NullString
		progressPercent  sql.NullFloat64
		progressMessage  sql.NullString
		passwordAttempts sql.NullInt64
		cancelRequested  sql.NullInt64
		indexJSON        sql.NullString
		linksJSON        sql.NullString
		warningsJSON     sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		retainRaw        sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&ownerID,
		&sourceRef,
		&sourceKind,
		&archiveName,
		&format,
		&statusStr,
		&failureReason,
		&errorMessage,
		&workspace,
		&workspaceReaped,
		&reapedRaw,
		&progressPhase,
		&progressPercent,
		&progressMessage,
		&passwordAttempts,
		&cancelRequested,
		&indexJSON,
		&linksJSON,
		&warningsJSON,
		&createdRaw,
		&updatedRaw,
		&retainRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:               id,
		OwnerID:          ownerID,
		SourceRef:        sourceRef,
		SourceKind:       SourceKind(sourceKind),
		ArchiveName:      archiveName.String,
		Format:           format.String,
		Status:           Status(statusStr),
		FailureReason:    FailureReason(failureReason.String),
		ErrorMessage:     errorMessage.String,
		Workspace:        workspace.String,
		WorkspaceReaped:  workspaceReaped.Int64 != 0,
		ProgressPhase:    progressPhase.String,
		ProgressPercent:  progressPercent.Float64,
		ProgressMessage:  progressMessage.String,
		PasswordAttempts: int(passwordAttempts.Int64),
		CancelRequested:  cancelRequested.Int64 != 0,
		IndexJSON:        indexJSON.String,
		LinksJSON:        linksJSON.String,
		WarningsJSON:     warningsJSON.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if retain, err := parseTimeString(retainRaw.String); err == nil {
		job.RetainUntil = retain
	}
	if reapedRaw.Valid {
		if reaped, err := parseTimeString(reapedRaw.String); err == nil {
			job.ReapedAt = &reaped
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
