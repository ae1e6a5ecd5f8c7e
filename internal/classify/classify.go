package classify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Category buckets an extracted member by what a recipient would do with it.
// The set is closed; anything unmatched lands in CategoryOther.
type Category string

const (
	CategoryVideo            Category = "video"
	CategoryDocument         Category = "document"
	CategorySubtitlePlaylist Category = "subtitle-playlist"
	CategoryAppPackage       Category = "app-package"
	CategoryPlainText        Category = "plain-text"
	CategoryOther            Category = "other"
)

// AllCategories lists every category in display order.
var AllCategories = []Category{
	CategoryVideo,
	CategoryDocument,
	CategorySubtitlePlaylist,
	CategoryAppPackage,
	CategoryPlainText,
	CategoryOther,
}

// ErrNoSuchMember is returned for member lookups past the end of the index.
var ErrNoSuchMember = errors.New("no member at index")

// Extension mapping. Lookup is on the lowercased final extension.
var extensionCategories = map[string]Category{
	".mp4":  CategoryVideo,
	".mkv":  CategoryVideo,
	".avi":  CategoryVideo,
	".mov":  CategoryVideo,
	".wmv":  CategoryVideo,
	".flv":  CategoryVideo,
	".webm": CategoryVideo,
	".m4v":  CategoryVideo,
	".mpg":  CategoryVideo,
	".mpeg": CategoryVideo,
	".3gp":  CategoryVideo,
	".ts":   CategoryVideo,

	".pdf": CategoryDocument,

	".srt":  CategorySubtitlePlaylist,
	".vtt":  CategorySubtitlePlaylist,
	".ass":  CategorySubtitlePlaylist,
	".sub":  CategorySubtitlePlaylist,
	".m3u":  CategorySubtitlePlaylist,
	".m3u8": CategorySubtitlePlaylist,

	".apk":  CategoryAppPackage,
	".xapk": CategoryAppPackage,
	".apks": CategoryAppPackage,

	".txt":  CategoryPlainText,
	".text": CategoryPlainText,
	".log":  CategoryPlainText,
	".md":   CategoryPlainText,
	".nfo":  CategoryPlainText,
	".csv":  CategoryPlainText,
}

// Content sniffing only runs on files at most this large with no recognized
// extension, keeping classification I/O bounded on binary-heavy archives.
const (
	sniffMaxFileSize = 512 << 10
	sniffReadLen     = 4096
)

// Member is one classified entry. Index is dense and zero based over the
// whole job, assigned in lexicographic path order.
type Member struct {
	Index    int      `json:"index"`
	Path     string   `json:"path"`
	Size     int64    `json:"size"`
	Category Category `json:"category"`
}

// Index is the classified view of one extraction tree. Read-only once built.
type Index struct {
	Members     []Member         `json:"members"`
	Counts      map[Category]int `json:"counts"`
	TotalBytes  int64            `json:"total_bytes"`
	FolderCount int              `json:"folder_count"`
	MaxDepth    int              `json:"max_depth"`
}

// Build walks an extraction root and classifies every regular file. Walk
// order is lexicographic, so rebuilding over the same tree yields an
// identical index.
func Build(root string) (*Index, error) {
	idx := &Index{Counts: make(map[Category]int)}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if depth > idx.MaxDepth {
			idx.MaxDepth = depth
		}
		if d.IsDir() {
			idx.FolderCount++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		cat := Categorize(rel, info.Size(), func() ([]byte, error) {
			return sniffHead(p)
		})
		idx.Members = append(idx.Members, Member{
			Index:    len(idx.Members),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Category: cat,
		})
		idx.Counts[cat]++
		idx.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("classify walk: %w", err)
	}
	return idx, nil
}

// Categorize maps one member to a category. The sniff callback is only
// invoked for small files whose extension settles nothing; it may be nil.
func Categorize(path string, size int64, sniff func() ([]byte, error)) Category {
	ext := strings.ToLower(filepath.Ext(path))
	if cat, ok := extensionCategories[ext]; ok {
		return cat
	}
	if sniff != nil && size > 0 && size <= sniffMaxFileSize {
		if head, err := sniff(); err == nil && looksTextual(head) {
			return CategoryPlainText
		}
	}
	return CategoryOther
}

func sniffHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, sniffReadLen)
	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:n], nil
}

func looksTextual(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	// The read may cut a trailing rune in half, so allow trimming up to one
	// rune's worth of bytes before giving up.
	for trimmed := 0; trimmed < utf8.UTFMax && len(head) > 0; trimmed++ {
		if utf8.Valid(head) {
			return true
		}
		head = head[:len(head)-1]
	}
	return false
}

// Count returns the total number of classified members.
func (x *Index) Count() int {
	return len(x.Members)
}

// MemberAt returns the member at a dense zero-based index.
func (x *Index) MemberAt(i int) (Member, error) {
	if i < 0 || i >= len(x.Members) {
		return Member{}, fmt.Errorf("%w: %d of %d", ErrNoSuchMember, i, len(x.Members))
	}
	return x.Members[i], nil
}

// Page returns one page of members. Pages are zero based; the final page may
// be short and out-of-range pages are empty.
func (x *Index) Page(page, pageSize int) []Member {
	if pageSize <= 0 || page < 0 {
		return nil
	}
	start := page * pageSize
	if start >= len(x.Members) {
		return nil
	}
	end := start + pageSize
	if end > len(x.Members) {
		end = len(x.Members)
	}
	return x.Members[start:end]
}

// PageCount returns how many pages the index spans at the given page size.
func (x *Index) PageCount(pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (len(x.Members) + pageSize - 1) / pageSize
}

// TextMembers returns the members worth scanning for links, in index order.
func (x *Index) TextMembers() []Member {
	var out []Member
	for _, m := range x.Members {
		if m.Category == CategoryDocument || m.Category == CategoryPlainText || m.Category == CategorySubtitlePlaylist {
			out = append(out, m)
		}
	}
	return out
}
