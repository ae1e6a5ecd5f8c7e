package links

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"unpackd/internal/classify"
)

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		url  string
		want Kind
	}{
		{"https://cdn.example.com/live/stream.m3u8", KindStreamingPlaylist},
		{"http://example.com/list.m3u", KindStreamingPlaylist},
		// Playlist extension outranks the host matcher.
		{"https://drive.google.com/files/show.m3u8", KindStreamingPlaylist},
		{"https://drive.google.com/file/d/abc123/view", KindCloudDrive},
		{"https://docs.google.com/document/d/xyz", KindCloudDrive},
		{"https://t.me/somechannel/42", KindChatPlatform},
		{"https://telegram.me/somebot", KindChatPlatform},
		{"https://example.com/releases/app.apk", KindDirectDownload},
		{"https://mirror.example.org/big.iso", KindDirectDownload},
		{"https://example.com/about", KindUnknown},
		{"https://example.com/", KindUnknown},
		{"not a url", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.url); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func scanTree(t *testing.T, files map[string]string) *Index {
	t.Helper()
	root := t.TempDir()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var members []classify.Member
	for _, name := range names {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(files[name]), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		members = append(members, classify.Member{Path: name, Category: classify.CategoryPlainText})
	}
	return Scan(root, members)
}

func TestScanFindsAndLocatesLinks(t *testing.T) {
	idx := scanTree(t, map[string]string{
		"readme.txt": "intro line\nsee https://t.me/channel and https://example.com/file.zip\n",
	})

	if idx.Count() != 2 {
		t.Fatalf("count = %d, want 2: %+v", idx.Count(), idx.Records)
	}
	first := idx.Records[0]
	if first.URL != "https://t.me/channel" || first.Kind != KindChatPlatform {
		t.Errorf("first record = %+v", first)
	}
	if first.SourceFile != "readme.txt" || first.Line != 2 {
		t.Errorf("source location = %q:%d, want readme.txt:2", first.SourceFile, first.Line)
	}
	if idx.Counts[KindChatPlatform] != 1 || idx.Counts[KindDirectDownload] != 1 {
		t.Errorf("counts = %v", idx.Counts)
	}
}

func TestScanDeduplicatesKeepingFirst(t *testing.T) {
	idx := scanTree(t, map[string]string{
		"a.txt": "https://example.com/file.zip\n",
		"z.txt": "again https://example.com/file.zip\n",
	})

	if idx.Count() != 1 {
		t.Fatalf("count = %d, want 1", idx.Count())
	}
	if idx.Records[0].SourceFile != "a.txt" {
		t.Errorf("kept occurrence from %q, want a.txt", idx.Records[0].SourceFile)
	}
}

func TestScanStripsTrailingPunctuation(t *testing.T) {
	idx := scanTree(t, map[string]string{
		"n.txt": "grab it (https://example.com/file.zip).\n",
	})
	if idx.Count() != 1 || idx.Records[0].URL != "https://example.com/file.zip" {
		t.Fatalf("records = %+v", idx.Records)
	}
}

func TestScanMissingFileIsWarning(t *testing.T) {
	root := t.TempDir()
	idx := Scan(root, []classify.Member{{Path: "gone.txt", Category: classify.CategoryPlainText}})
	if len(idx.Warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", idx.Warnings)
	}
	if idx.Count() != 0 {
		t.Errorf("count = %d, want 0", idx.Count())
	}
}

func TestLinkAtAndPaging(t *testing.T) {
	idx := scanTree(t, map[string]string{
		"l.txt": "https://a.example/x.zip\nhttps://b.example/y.zip\nhttps://c.example/z.zip\n",
	})
	if idx.Count() != 3 {
		t.Fatalf("count = %d, want 3", idx.Count())
	}
	for i := 0; i < 3; i++ {
		rec, err := idx.LinkAt(i)
		if err != nil {
			t.Errorf("LinkAt(%d): %v", i, err)
		}
		if rec.Index != i {
			t.Errorf("record index = %d, want %d", rec.Index, i)
		}
	}
	if _, err := idx.LinkAt(3); !errors.Is(err, ErrNoSuchLink) {
		t.Errorf("LinkAt(3) = %v, want ErrNoSuchLink", err)
	}
	if page := idx.Page(1, 2); len(page) != 1 {
		t.Errorf("page 1 = %+v, want single record", page)
	}
	if got := idx.PageCount(2); got != 2 {
		t.Errorf("page count = %d, want 2", got)
	}
}
