package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func admit(t *testing.T, store *Store, owner string) *Job {
	t.Helper()
	job, err := store.Admit(context.Background(), owner, "/tmp/a.zip", SourceUpload, "a.zip", 30*time.Minute, 0)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return job
}

func TestAdmitCreatesQueuedJob(t *testing.T) {
	store := newTestStore(t)
	job := admit(t, store, "owner-1")

	if job.Status != StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.OwnerID != "owner-1" {
		t.Errorf("owner = %q", job.OwnerID)
	}
	if job.RetainUntil.Before(job.CreatedAt.Add(29 * time.Minute)) {
		t.Errorf("retain_until %v too close to created_at %v", job.RetainUntil, job.CreatedAt)
	}
}

func TestAdmitRejectsSecondActiveJob(t *testing.T) {
	store := newTestStore(t)
	admit(t, store, "owner-1")

	_, err := store.Admit(context.Background(), "owner-1", "/tmp/b.zip", SourceUpload, "b.zip", time.Minute, 0)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestAdmitAllowsAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	job.Status = StatusCancelled
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.Admit(ctx, "owner-1", "/tmp/b.zip", SourceUpload, "b.zip", time.Minute, 0); err != nil {
		t.Fatalf("admit after terminal: %v", err)
	}
}

func TestAdmitConcurrentSameOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Admit(ctx, "owner-1", "/tmp/a.zip", SourceUpload, "a.zip", time.Minute, 0)
		}(i)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrAlreadyActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Errorf("admitted = %d, want exactly 1", admitted)
	}
	if rejected != attempts-1 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-1)
	}
}

func TestAdmitCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Admit(ctx, "owner-1", "/tmp/a.zip", SourceUpload, "a.zip", time.Minute, 1); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, err := store.Admit(ctx, "owner-2", "/tmp/b.zip", SourceUpload, "b.zip", time.Minute, 1)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	// The rejected admission must not leave a record behind.
	if active, err := store.ActiveForOwner(ctx, "owner-2"); err != nil || active != nil {
		t.Errorf("owner-2 active = %v, err = %v, want none", active, err)
	}
}

func TestTransitionValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	if err := store.Transition(ctx, job, StatusDownloading); err != nil {
		t.Fatalf("queued -> downloading: %v", err)
	}
	if err := store.Transition(ctx, job, StatusCompleted); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("downloading -> completed should be illegal, got %v", err)
	}
	if err := store.Transition(ctx, job, StatusCancelled); err != nil {
		t.Fatalf("downloading -> cancelled: %v", err)
	}
	if err := store.Transition(ctx, job, StatusQueued); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("terminal -> queued should be illegal, got %v", err)
	}
}

func TestPasswordLoopTransitions(t *testing.T) {
	for _, tc := range []struct {
		from, to Status
		ok       bool
	}{
		{StatusDownloading, StatusAwaitingPassword, true},
		{StatusAwaitingPassword, StatusExtracting, true},
		{StatusExtracting, StatusAwaitingPassword, true},
		{StatusExtracting, StatusClassifying, true},
		{StatusClassifying, StatusCompleted, true},
		{StatusAwaitingPassword, StatusFailed, true},
		{StatusQueued, StatusExtracting, false},
		{StatusCompleted, StatusFailed, false},
	} {
		if got := IsValidTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionRejectsStaleStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	// Two copies of the same row, as held by two concurrent writers.
	copyA, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get copy a: %v", err)
	}
	copyB, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get copy b: %v", err)
	}

	if err := store.Transition(ctx, copyA, StatusDownloading); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := store.Transition(ctx, copyB, StatusCancelled); !errors.Is(err, ErrStaleJob) {
		t.Fatalf("err = %v, want ErrStaleJob", err)
	}
	if copyB.Status != StatusQueued {
		t.Errorf("loser's in-memory status = %s, want queued", copyB.Status)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDownloading {
		t.Errorf("status = %s, want downloading", got.Status)
	}
}

func TestClaimQueuedReportsLostRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	claimed, err := store.ClaimQueued(ctx, job.ID)
	if err != nil || !claimed {
		t.Fatalf("claim = %v, %v, want true", claimed, err)
	}
	claimed, err = store.ClaimQueued(ctx, job.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim succeeded on a non-queued job")
	}
}

func TestClaimQueuedKeepsCancelFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	if _, err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if _, err := store.ClaimQueued(ctx, job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CancelRequested {
		t.Error("claim dropped the cancel flag")
	}
	if got.Status != StatusDownloading {
		t.Errorf("status = %s, want downloading", got.Status)
	}
}

func TestRequestCancelSetsFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")

	got, err := store.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !got.CancelRequested {
		t.Error("cancel flag not set")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetByID(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResetInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")
	if err := store.Transition(ctx, job, StatusDownloading); err != nil {
		t.Fatalf("transition: %v", err)
	}
	queued := admit(t, store, "owner-2")

	updated, err := store.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.FailureReason != ReasonDaemonRestart {
		t.Errorf("job = %s/%s, want failed/daemon_restart", got.Status, got.FailureReason)
	}

	still, err := store.GetByID(ctx, queued.ID)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if still.Status != StatusQueued {
		t.Errorf("queued job disturbed: %s", still.Status)
	}
}

func TestPurgeReapedKeepsRecordDuringGrace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := admit(t, store, "owner-1")
	job.Status = StatusCancelled
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.MarkReaped(ctx, job.ID); err != nil {
		t.Fatalf("mark reaped: %v", err)
	}

	// Cutoff in the past: record inside grace, must survive.
	if _, err := store.PurgeReaped(ctx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.GetByID(ctx, job.ID); err != nil {
		t.Fatalf("record should survive grace period: %v", err)
	}

	// Cutoff in the future: grace elapsed, record goes.
	removed, err := store.PurgeReaped(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.GetByID(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after purge", err)
	}
}

func TestWarningsRoundTrip(t *testing.T) {
	job := &Job{}
	if job.Warnings() != nil {
		t.Error("empty warnings should be nil")
	}
	job.AddWarning("path traversal rejected: ../etc/passwd")
	job.AddWarning("link scan skipped: unreadable file")
	got := job.Warnings()
	if len(got) != 2 {
		t.Fatalf("warnings = %v", got)
	}
	if got[0] != "path traversal rejected: ../etc/passwd" {
		t.Errorf("first warning = %q", got[0])
	}
}

func TestStatsAndHealth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	admit(t, store, "owner-1")
	job := admit(t, store, "owner-2")
	job.Status = StatusCompleted
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 2 || health.Queued != 1 || health.Completed != 1 {
		t.Errorf("health = %+v", health)
	}
}
