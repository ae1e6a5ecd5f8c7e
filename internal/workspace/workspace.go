package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	// ErrPathEscapes is returned when a relative path would resolve outside
	// the workspace root.
	ErrPathEscapes = errors.New("path escapes workspace")

	// ErrBudgetExceeded is returned when a write would push the workspace
	// past its byte budget.
	ErrBudgetExceeded = errors.New("workspace byte budget exceeded")
)

// Directory names inside a workspace.
const (
	artifactDirName  = "artifact"
	extractedDirName = "extracted"
)

// Workspace is the exclusive scratch storage area backing one job. All paths
// handed to Resolve are interpreted relative to its root and must stay inside
// it.
type Workspace struct {
	root   string
	budget int64
	used   atomic.Int64
	lock   *flock.Flock
}

// Create allocates a fresh workspace under baseDir for the given owner.
func Create(baseDir, ownerID string, budget int64) (*Workspace, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("workspace base dir is empty")
	}
	root := filepath.Join(baseDir, sanitizeOwner(ownerID), uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return Attach(root, budget), nil
}

// Attach wraps an existing workspace directory, re-deriving used bytes lazily.
// Used when a persisted job record references its workspace path.
func Attach(root string, budget int64) *Workspace {
	return &Workspace{
		root:   root,
		budget: budget,
		lock:   flock.New(lockPath(root)),
	}
}

func lockPath(root string) string {
	return root + ".lock"
}

func sanitizeOwner(ownerID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(ownerID))
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Budget returns the byte budget, 0 meaning unlimited.
func (w *Workspace) Budget() int64 {
	return w.budget
}

// Resolve maps a relative path to an absolute path inside the workspace.
// Absolute paths, parent references, and anything else that would land
// outside the root are rejected with ErrPathEscapes.
func (w *Workspace) Resolve(rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapes)
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	resolved := filepath.Join(w.root, rel)
	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	return resolved, nil
}

// ArtifactDir returns (and creates) the directory holding the downloaded
// archive before extraction.
func (w *Workspace) ArtifactDir() (string, error) {
	dir := filepath.Join(w.root, artifactDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

// ExtractedDir returns (and creates) the extraction target directory.
func (w *Workspace) ExtractedDir() (string, error) {
	dir := filepath.Join(w.root, extractedDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create extracted dir: %w", err)
	}
	return dir, nil
}

// ExtractedPath returns the extraction directory without creating it.
func (w *Workspace) ExtractedPath() string {
	return filepath.Join(w.root, extractedDirName)
}

// Charge reserves n bytes against the budget, failing when it would overflow.
func (w *Workspace) Charge(n int64) error {
	if w.budget <= 0 {
		return nil
	}
	if used := w.used.Add(n); used > w.budget {
		w.used.Add(-n)
		return fmt.Errorf("%w: %d of %d bytes", ErrBudgetExceeded, w.used.Load()+n, w.budget)
	}
	return nil
}

// Used returns the bytes charged so far.
func (w *Workspace) Used() int64 {
	return w.used.Load()
}

// ResetUsage zeroes the charged byte count. Callers must have deleted the
// written data first, otherwise the budget no longer bounds disk use.
func (w *Workspace) ResetUsage() {
	w.used.Store(0)
}

// BudgetWriter wraps dst so that writes draw down the workspace budget.
func (w *Workspace) BudgetWriter(dst io.Writer) io.Writer {
	return &budgetWriter{ws: w, dst: dst}
}

type budgetWriter struct {
	ws  *Workspace
	dst io.Writer
}

func (bw *budgetWriter) Write(p []byte) (int, error) {
	if err := bw.ws.Charge(int64(len(p))); err != nil {
		return 0, err
	}
	return bw.dst.Write(p)
}

// Size walks the workspace and returns its total size in bytes, best effort.
func (w *Workspace) Size() int64 {
	var size int64
	_ = filepath.Walk(w.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// FreeSpace reports the bytes available on the filesystem backing the
// workspace.
func (w *Workspace) FreeSpace() (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(w.root, &stat); err != nil {
		return 0, fmt.Errorf("statfs workspace: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// TryLock attempts to take the workspace's exclusive file lock without
// blocking. Extraction holds it for the duration of a job; the cleanup reaper
// takes it before deleting, so the two never race on the same directory.
func (w *Workspace) TryLock() (bool, error) {
	return w.lock.TryLock()
}

// Lock blocks until the exclusive lock is held.
func (w *Workspace) Lock() error {
	return w.lock.Lock()
}

// Unlock releases the file lock.
func (w *Workspace) Unlock() error {
	return w.lock.Unlock()
}

// Remove deletes the workspace directory and its lock file. Callers must hold
// the lock.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	if err := os.Remove(lockPath(w.root)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workspace lock: %w", err)
	}
	return nil
}
