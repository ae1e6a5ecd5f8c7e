package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"unpackd/internal/config"
)

func testHTTP() *HTTP {
	cfg := config.Default()
	return NewHTTP(&cfg)
}

func TestFilenameFromResponse(t *testing.T) {
	cases := []struct {
		disposition string
		url         string
		want        string
	}{
		{`attachment; filename="pack.zip"`, "https://x.example/dl?id=1", "pack.zip"},
		{`attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.zip`, "https://x.example/dl", "résumé.zip"},
		{`attachment; filename="../../etc/passwd"`, "https://x.example/dl", "passwd"},
		{`attachment; filename="C:\files\evil.zip"`, "https://x.example/dl", "evil.zip"},
		{"", "https://x.example/files/archive.rar", "archive.rar"},
		{"", "https://x.example/", "download.bin"},
		{"garbage header", "https://x.example/a.7z", "a.7z"},
	}
	for _, tc := range cases {
		if got := FilenameFromResponse(tc.disposition, tc.url); got != tc.want {
			t.Errorf("FilenameFromResponse(%q, %q) = %q, want %q", tc.disposition, tc.url, got, tc.want)
		}
	}
}

func TestHTTPFetch(t *testing.T) {
	body := []byte("archive-bytes-here")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="bundle.zip"`)
		w.Write(body)
	}))
	defer srv.Close()

	var lastBytes, lastTotal int64
	dir := t.TempDir()
	path, err := testHTTP().Fetch(context.Background(), srv.URL, dir, func(b, total int64) {
		lastBytes, lastTotal = b, total
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Base(path) != "bundle.zip" {
		t.Errorf("path = %q, want bundle.zip", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(body) {
		t.Errorf("content = %q, %v", got, err)
	}
	if lastBytes != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Errorf("final progress = %d/%d, want %d/%d", lastBytes, lastTotal, len(body), len(body))
	}
}

func TestHTTPFetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testHTTP().Fetch(context.Background(), srv.URL, t.TempDir(), nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}

func TestHTTPFetchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	if _, err := testHTTP().Fetch(ctx, srv.URL, t.TempDir(), nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestLocalFetch(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "upload.rar")
	if err := os.WriteFile(src, []byte("rar-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	dir := t.TempDir()
	path, err := Local{}.Fetch(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Base(path) != "upload.rar" {
		t.Errorf("path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "rar-bytes" {
		t.Errorf("content = %q, %v", got, err)
	}
}

func TestLocalFetchMissingSource(t *testing.T) {
	_, err := Local{}.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), t.TempDir(), nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}
