package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"unpackd/internal/workspace"
)

// ProgressFunc receives extraction progress after each member completes.
// totalBytes is 0 when the format cannot report it up front.
type ProgressFunc func(writtenBytes, totalBytes int64, memberPath string)

// Request carries everything an extractor needs for one run. Password is
// empty on the first attempt; OnProgress and Cancelled may be nil.
type Request struct {
	ArchivePath string
	Workspace   *workspace.Workspace
	Password    string
	OnProgress  ProgressFunc
	Cancelled   func() bool
}

// Member describes one extracted file, path relative to the extraction root.
type Member struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Result summarizes a completed extraction. Warnings carry non-fatal
// anomalies such as skipped traversal attempts.
type Result struct {
	Members      []Member
	WrittenBytes int64
	Warnings     []string
}

// Extractor extracts one archive format into a workspace.
type Extractor interface {
	Format() Format
	Extract(ctx context.Context, req Request) (*Result, error)
}

// For returns the extractor for a format, or ErrUnsupported for formats
// nothing here handles.
func For(format Format) (Extractor, error) {
	switch format {
	case FormatZip:
		return zipExtractor{}, nil
	case FormatRar:
		return rarExtractor{}, nil
	case FormatSevenZip:
		return sevenZipExtractor{}, nil
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz, FormatTarZst:
		return tarExtractor{format: format}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
	}
}

// Extract identifies the artifact, picks the extractor, and runs it.
func Extract(ctx context.Context, format Format, req Request) (*Result, error) {
	ex, err := For(format)
	if err != nil {
		return nil, err
	}
	return ex.Extract(ctx, req)
}

// sink funnels member writes through workspace path resolution and the byte
// budget. Members landing outside the extraction root are skipped and
// recorded as warnings rather than failing the job.
type sink struct {
	ws         *workspace.Workspace
	result     *Result
	onProgress ProgressFunc
	totalBytes int64
}

func newSink(ws *workspace.Workspace, onProgress ProgressFunc, totalBytes int64) (*sink, error) {
	if _, err := ws.ExtractedDir(); err != nil {
		return nil, err
	}
	return &sink{
		ws:         ws,
		result:     &Result{},
		onProgress: onProgress,
		totalBytes: totalBytes,
	}, nil
}

func (s *sink) resolveMember(memberPath string) (string, bool) {
	rel := path.Clean(strings.ReplaceAll(memberPath, `\`, "/"))
	// The member path must be local on its own before joining, so cleaned
	// parent references cannot climb out of the extraction root into the
	// rest of the workspace.
	if rel == "." || !filepath.IsLocal(filepath.FromSlash(rel)) {
		s.result.Warnings = append(s.result.Warnings,
			fmt.Sprintf("skipped member with unsafe path %q", memberPath))
		return "", false
	}
	resolved, err := s.ws.Resolve(path.Join("extracted", rel))
	if err != nil {
		s.result.Warnings = append(s.result.Warnings,
			fmt.Sprintf("skipped member with unsafe path %q", memberPath))
		return "", false
	}
	return resolved, true
}

func (s *sink) writeDir(memberPath string) error {
	dest, ok := s.resolveMember(memberPath)
	if !ok {
		return nil
	}
	return os.MkdirAll(dest, 0o755)
}

func (s *sink) writeMember(memberPath string, r io.Reader, mode fs.FileMode) error {
	dest, ok := s.resolveMember(memberPath)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create member dir: %w", err)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create member %q: %w", memberPath, err)
	}

	written, err := io.Copy(s.ws.BudgetWriter(f), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, workspace.ErrBudgetExceeded) {
			return err
		}
		return fmt.Errorf("%w: member %q: %v", ErrCorrupt, memberPath, err)
	}

	rel, rerr := filepath.Rel(s.ws.ExtractedPath(), dest)
	if rerr != nil {
		rel = memberPath
	}
	s.result.Members = append(s.result.Members, Member{Path: filepath.ToSlash(rel), Size: written})
	s.result.WrittenBytes += written
	if s.onProgress != nil {
		s.onProgress(s.result.WrittenBytes, s.totalBytes, filepath.ToSlash(rel))
	}
	return nil
}

func (s *sink) finish() *Result {
	sort.Slice(s.result.Members, func(i, j int) bool {
		return s.result.Members[i].Path < s.result.Members[j].Path
	})
	return s.result
}

// checkpoint is called between members so cancellation and context expiry
// take effect without tearing down mid-write.
func checkpoint(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if req.Cancelled != nil && req.Cancelled() {
		return ErrCancelled
	}
	return nil
}
