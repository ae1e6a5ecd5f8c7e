package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	yekazip "github.com/yeka/zip"

	"unpackd/internal/classify"
	"unpackd/internal/config"
	"unpackd/internal/queue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WorkDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Workflow.QueuePollInterval = 1
	return &cfg
}

type capture struct {
	mu        sync.Mutex
	updates   []string
	phases    []string
	summaries []JobSummary
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnProgressUpdate: func(_ int64, update string) {
			c.mu.Lock()
			c.updates = append(c.updates, update)
			c.mu.Unlock()
		},
		OnPhaseChange: func(_ int64, phase string) {
			c.mu.Lock()
			c.phases = append(c.phases, phase)
			c.mu.Unlock()
		},
		OnJobCompleted: func(_ string, summary JobSummary) {
			c.mu.Lock()
			c.summaries = append(c.summaries, summary)
			c.mu.Unlock()
		},
	}
}

func (c *capture) lastSummary() (JobSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.summaries) == 0 {
		return JobSummary{}, false
	}
	return c.summaries[len(c.summaries)-1], true
}

func (c *capture) phaseSeq() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.phases...)
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *queue.Store, *capture) {
	t.Helper()
	store, err := queue.OpenPath(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	events := &capture{}
	m := New(cfg, store, nil, nil, events.callbacks())
	return m, store, events
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, store *queue.Store, jobID int64, pred func(*queue.Job) bool) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if pred(job) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), jobID)
	t.Fatalf("timed out waiting for job condition; last state: %+v", job)
	return nil
}

func statusIs(status queue.Status) func(*queue.Job) bool {
	return func(j *queue.Job) bool { return j.Status == status }
}

func plainZip(t *testing.T, members map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write([]byte(body))
	}
	zw.Close()
	path := filepath.Join(t.TempDir(), "upload.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

// mixedZip holds a large plain member followed by an encrypted one, so a
// wrong-password attempt writes real bytes before the rejection.
func mixedZip(t *testing.T, password string, plainSize int) string {
	t.Helper()
	var buf bytes.Buffer
	zw := yekazip.NewWriter(&buf)
	w, err := zw.Create("payload.bin")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	w.Write(bytes.Repeat([]byte("p"), plainSize))
	ew, err := zw.Encrypt("secret.txt", password, yekazip.AES256Encryption)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ew.Write([]byte("classified"))
	zw.Close()
	path := filepath.Join(t.TempDir(), "mixed.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func encryptedZip(t *testing.T, password string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := yekazip.NewWriter(&buf)
	w, err := zw.Encrypt("secret.txt", password, yekazip.AES256Encryption)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	w.Write([]byte("classified"))
	zw.Close()
	path := filepath.Join(t.TempDir(), "locked.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestJobCompletesForUploadedZip(t *testing.T) {
	cfg := testConfig(t)
	m, store, events := newTestManager(t, cfg)
	startManager(t, m)

	src := plainZip(t, map[string]string{
		"video/pilot.mkv": "not really video",
		"readme.txt":      "see https://t.me/updates\n",
	})
	job, err := m.Admit(context.Background(), "owner-1", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	done := waitFor(t, store, job.ID, statusIs(queue.StatusCompleted))
	if done.Format != "zip" {
		t.Errorf("format = %q, want zip", done.Format)
	}

	view, err := m.Query(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Index == nil || view.Index.Count() != 2 {
		t.Fatalf("index = %+v, want 2 members", view.Index)
	}
	if view.Index.Counts[classify.CategoryVideo] != 1 {
		t.Errorf("video count = %d, want 1", view.Index.Counts[classify.CategoryVideo])
	}
	if view.Links == nil || view.Links.Count() != 1 {
		t.Fatalf("links = %+v, want 1 record", view.Links)
	}

	summary, ok := events.lastSummary()
	if !ok {
		t.Fatal("no completion summary delivered")
	}
	if summary.Status != queue.StatusCompleted || summary.MemberCount != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestPasswordRetryFlow(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	job, err := m.Admit(context.Background(), "owner-2", encryptedZip(t, "opensesame"), queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	waitFor(t, store, job.ID, statusIs(queue.StatusAwaitingPassword))
	if err := m.SupplyPassword(context.Background(), job.ID, "wrong"); err != nil {
		t.Fatalf("supply wrong password: %v", err)
	}

	// A failed attempt parks the job back in AwaitingPassword.
	waitFor(t, store, job.ID, func(j *queue.Job) bool {
		return j.Status == queue.StatusAwaitingPassword && j.PasswordAttempts == 1
	})

	if err := m.SupplyPassword(context.Background(), job.ID, "opensesame"); err != nil {
		t.Fatalf("supply correct password: %v", err)
	}
	done := waitFor(t, store, job.ID, statusIs(queue.StatusCompleted))
	if done.PasswordAttempts != 1 {
		t.Errorf("attempts = %d, want 1", done.PasswordAttempts)
	}
}

func TestPasswordRetryReleasesFailedAttemptBytes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxArchiveMiB = 1
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	// The plain member alone is over half the budget, so charges left over
	// from a failed attempt would sink every later one.
	src := mixedZip(t, "opensesame", 700<<10)
	job, err := m.Admit(context.Background(), "owner-12", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	waitFor(t, store, job.ID, statusIs(queue.StatusAwaitingPassword))
	if err := m.SupplyPassword(context.Background(), job.ID, "wrong"); err != nil {
		t.Fatalf("supply wrong password: %v", err)
	}
	waitFor(t, store, job.ID, func(j *queue.Job) bool {
		return j.Status == queue.StatusAwaitingPassword && j.PasswordAttempts == 1
	})

	if err := m.SupplyPassword(context.Background(), job.ID, "opensesame"); err != nil {
		t.Fatalf("supply correct password: %v", err)
	}
	done := waitFor(t, store, job.ID, func(j *queue.Job) bool { return j.IsTerminal() })
	if done.Status != queue.StatusCompleted {
		t.Fatalf("job = %s (%s: %s), want completed", done.Status, done.FailureReason, done.ErrorMessage)
	}

	view, err := m.Query(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Index == nil || view.Index.Count() != 2 {
		t.Errorf("index = %+v, want both members", view.Index)
	}
}

func TestPasswordExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.PasswordAttempts = 2
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	job, err := m.Admit(context.Background(), "owner-3", encryptedZip(t, "right"), queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	waitFor(t, store, job.ID, statusIs(queue.StatusAwaitingPassword))
	if err := m.SupplyPassword(context.Background(), job.ID, "wrong-1"); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	waitFor(t, store, job.ID, func(j *queue.Job) bool {
		return j.Status == queue.StatusAwaitingPassword && j.PasswordAttempts == 1
	})
	if err := m.SupplyPassword(context.Background(), job.ID, "wrong-2"); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}

	done := waitFor(t, store, job.ID, statusIs(queue.StatusFailed))
	if done.FailureReason != queue.ReasonPasswordExhausted {
		t.Errorf("reason = %q, want password_exhausted", done.FailureReason)
	}
}

func TestPasswordTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.PasswordTimeout = 1
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	job, err := m.Admit(context.Background(), "owner-4", encryptedZip(t, "whatever"), queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	done := waitFor(t, store, job.ID, statusIs(queue.StatusFailed))
	if done.FailureReason != queue.ReasonPasswordTimeout {
		t.Errorf("reason = %q, want password_timeout", done.FailureReason)
	}
}

func TestCancelQueuedJobIsImmediate(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	// No run loop: the job stays queued.

	job, err := m.Admit(context.Background(), "owner-5", "https://x.example/a.zip", queue.SourceLink)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelAfterClaimIsNotLost(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	// No run loop; the dispatch claim is applied directly so the race with
	// Cancel is deterministic.

	job, err := m.Admit(context.Background(), "owner-13", "https://x.example/a.zip", queue.SourceLink)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	claimed, err := store.ClaimQueued(context.Background(), job.ID)
	if err != nil || !claimed {
		t.Fatalf("claim = %v, %v, want true", claimed, err)
	}

	if err := m.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusDownloading {
		t.Errorf("status = %s, want downloading (the claim must not be overwritten)", got.Status)
	}
	if !got.CancelRequested {
		t.Error("cancel flag lost; the claiming runner would never see it")
	}
}

func TestPhaseNotificationsFollowPipeline(t *testing.T) {
	cfg := testConfig(t)
	m, store, events := newTestManager(t, cfg)
	startManager(t, m)

	src := plainZip(t, map[string]string{"a.txt": "aa"})
	job, err := m.Admit(context.Background(), "owner-14", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, store, job.ID, statusIs(queue.StatusCompleted))

	// The summary fires after the final phase notification.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := events.lastSummary(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no completion summary delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []string{"downloading", "extracting", "classifying", "done"}
	got := events.phaseSeq()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase %d = %q, want %q (full sequence %v)", i, got[i], want[i], got)
		}
	}
}

func TestUnrecognizedArtifactFails(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	src := filepath.Join(t.TempDir(), "mystery.bin")
	if err := os.WriteFile(src, []byte("definitely not an archive"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job, err := m.Admit(context.Background(), "owner-6", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	done := waitFor(t, store, job.ID, statusIs(queue.StatusFailed))
	if done.FailureReason != queue.ReasonUnsupported {
		t.Errorf("reason = %q, want unsupported", done.FailureReason)
	}
}

func TestCorruptArchiveFails(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	src := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(src, []byte("PK\x03\x04 then garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job, err := m.Admit(context.Background(), "owner-7", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	done := waitFor(t, store, job.ID, statusIs(queue.StatusFailed))
	if done.FailureReason != queue.ReasonCorrupt {
		t.Errorf("reason = %q, want corrupt", done.FailureReason)
	}
}

func TestFetchMemberDenseIndexing(t *testing.T) {
	cfg := testConfig(t)
	m, store, _ := newTestManager(t, cfg)
	startManager(t, m)

	src := plainZip(t, map[string]string{"a.txt": "aa", "b.txt": "bb", "c.txt": "cc"})
	job, err := m.Admit(context.Background(), "owner-8", src, queue.SourceUpload)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, store, job.ID, statusIs(queue.StatusCompleted))

	for i := 0; i < 3; i++ {
		mf, err := m.FetchMember(context.Background(), job.ID, i)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if _, err := os.Stat(mf.Path); err != nil {
			t.Errorf("member %d path missing: %v", i, err)
		}
	}
	if _, err := m.FetchMember(context.Background(), job.ID, 3); !errors.Is(err, classify.ErrNoSuchMember) {
		t.Errorf("fetch past end = %v, want ErrNoSuchMember", err)
	}

	all, err := m.FetchAll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("fetch all = %d members, want 3", len(all))
	}
}

func TestFetchBeforeCompletionRejected(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)

	job, err := m.Admit(context.Background(), "owner-9", "https://x.example/a.zip", queue.SourceLink)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := m.FetchMember(context.Background(), job.ID, 0); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("err = %v, want ErrNotCompleted", err)
	}
}

func TestSupplyPasswordRequiresAwaitingState(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)

	job, err := m.Admit(context.Background(), "owner-10", "https://x.example/a.zip", queue.SourceLink)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.SupplyPassword(context.Background(), job.ID, "pw"); !errors.Is(err, ErrNotAwaitingPassword) {
		t.Errorf("err = %v, want ErrNotAwaitingPassword", err)
	}
}

func TestSecondAdmissionForOwnerRejected(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)

	if _, err := m.Admit(context.Background(), "owner-11", "https://x.example/a.zip", queue.SourceLink); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, err := m.Admit(context.Background(), "owner-11", "https://x.example/b.zip", queue.SourceLink)
	if !errors.Is(err, queue.ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}
