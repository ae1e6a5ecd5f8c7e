package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"unpackd/internal/config"
)

// ErrFailed wraps any unrecoverable transfer error.
var ErrFailed = errors.New("download failed")

// ProgressFunc receives cumulative transfer progress. total is 0 when the
// source does not declare its size.
type ProgressFunc func(bytes, total int64)

// Provider acquires a source artifact into destDir and returns its local
// path. Implementations must honor ctx cancellation.
type Provider interface {
	Fetch(ctx context.Context, sourceRef, destDir string, onProgress ProgressFunc) (string, error)
}

// HTTP fetches artifacts over plain GET.
type HTTP struct {
	client    *http.Client
	userAgent string
	chunkSize int
}

// NewHTTP builds the HTTP provider from configuration.
func NewHTTP(cfg *config.Config) *HTTP {
	return &HTTP{
		client: &http.Client{
			Timeout: time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		},
		userAgent: cfg.Download.UserAgent,
		chunkSize: cfg.Download.ChunkKiB * 1024,
	}
}

// Fetch downloads sourceRef into destDir. The artifact name comes from the
// Content-Disposition header when present, otherwise from the URL path.
func (h *HTTP) Fetch(ctx context.Context, sourceRef, destDir string, onProgress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
	if err != nil {
		return "", fmt.Errorf("%w: bad url %q: %v", ErrFailed, sourceRef, err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %s", ErrFailed, resp.Status)
	}

	name := FilenameFromResponse(resp.Header.Get("Content-Disposition"), sourceRef)
	dest := filepath.Join(destDir, name)
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	err = h.copyChunked(ctx, f, resp.Body, total, onProgress)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func (h *HTTP) copyChunked(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) error {
	size := h.chunkSize
	if size <= 0 {
		size = 64 * 1024
	}
	buf := make([]byte, size)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write artifact: %w", werr)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: %v", ErrFailed, rerr)
		}
	}
}

// FilenameFromResponse resolves the artifact filename from a
// Content-Disposition header value, falling back to the URL path basename.
// Both the plain filename and the RFC 5987 filename* forms are honored.
func FilenameFromResponse(disposition, sourceURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := sanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if name := sanitizeFilename(path.Base(u.Path)); name != "" {
			return name
		}
	}
	return "download.bin"
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// Local copies an artifact that already exists on the local filesystem,
// which is how uploaded files handed over by the transport layer arrive.
type Local struct{}

// Fetch copies sourceRef into destDir, reporting progress against the file's
// known size.
func (Local) Fetch(ctx context.Context, sourceRef, destDir string, onProgress ProgressFunc) (string, error) {
	info, err := os.Stat(sourceRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", ErrFailed, sourceRef)
	}

	src, err := os.Open(sourceRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer src.Close()

	name := sanitizeFilename(filepath.Base(sourceRef))
	if name == "" {
		name = "download.bin"
	}
	dest := filepath.Join(destDir, name)
	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	h := HTTP{chunkSize: 64 * 1024}
	err = h.copyChunked(ctx, dst, src, info.Size(), func(bytes, _ int64) {
		if onProgress != nil {
			onProgress(bytes, info.Size())
		}
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}
