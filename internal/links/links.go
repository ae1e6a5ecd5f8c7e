package links

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"unpackd/internal/classify"
)

// Kind labels where a discovered URL points. Matchers run in the order the
// constants are declared; the first match wins.
type Kind string

const (
	KindStreamingPlaylist Kind = "streaming-playlist"
	KindCloudDrive        Kind = "cloud-drive"
	KindChatPlatform      Kind = "chat-platform"
	KindDirectDownload    Kind = "direct-download"
	KindUnknown           Kind = "unknown"
)

// AllKinds lists every kind in matcher priority order.
var AllKinds = []Kind{
	KindStreamingPlaylist,
	KindCloudDrive,
	KindChatPlatform,
	KindDirectDownload,
	KindUnknown,
}

// ErrNoSuchLink is returned for lookups past the end of the index.
var ErrNoSuchLink = errors.New("no link at index")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

var cloudDriveHosts = map[string]bool{
	"drive.google.com": true,
	"docs.google.com":  true,
}

var chatPlatformHosts = map[string]bool{
	"t.me":         true,
	"telegram.me":  true,
	"telegram.dog": true,
}

var directDownloadExts = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".mp4": true, ".mkv": true, ".avi": true, ".webm": true,
	".pdf": true, ".apk": true, ".txt": true, ".srt": true,
	".mp3": true, ".iso": true, ".exe": true,
}

// Scanner caps, bounding cost on pathological inputs.
const (
	maxLineLen     = 1 << 20
	maxLinksPerJob = 10000
)

// Record is one discovered URL with its first-seen source location.
type Record struct {
	Index      int    `json:"index"`
	URL        string `json:"url"`
	Kind       Kind   `json:"kind"`
	SourceFile string `json:"source_file"`
	Line       int    `json:"line"`
}

// Index is the de-duplicated link listing for one job, paginated the same
// way as the member index.
type Index struct {
	Records  []Record     `json:"records"`
	Counts   map[Kind]int `json:"counts"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Scan reads the given members under the extraction root and collects every
// URL they mention. Identical URLs keep only their first occurrence.
// Unreadable members become warnings, never a failed scan.
func Scan(root string, members []classify.Member) *Index {
	idx := &Index{Counts: make(map[Kind]int)}
	seen := make(map[string]bool)

	for _, m := range members {
		if len(idx.Records) >= maxLinksPerJob {
			idx.Warnings = append(idx.Warnings, "link limit reached, remaining files not scanned")
			break
		}
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(m.Path)))
		if err != nil {
			idx.Warnings = append(idx.Warnings, fmt.Sprintf("could not scan %q: %v", m.Path, err))
			continue
		}
		scanFile(idx, seen, m.Path, f)
		f.Close()
	}
	return idx
}

func scanFile(idx *Index, seen map[string]bool, sourceFile string, f *os.File) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)

	line := 0
	for sc.Scan() {
		line++
		for _, raw := range urlPattern.FindAllString(sc.Text(), -1) {
			u := strings.TrimRight(raw, `.,;:)]}"'`)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			kind := Classify(u)
			idx.Records = append(idx.Records, Record{
				Index:      len(idx.Records),
				URL:        u,
				Kind:       kind,
				SourceFile: sourceFile,
				Line:       line,
			})
			idx.Counts[kind]++
			if len(idx.Records) >= maxLinksPerJob {
				return
			}
		}
	}
	if err := sc.Err(); err != nil {
		idx.Warnings = append(idx.Warnings, fmt.Sprintf("scan of %q stopped: %v", sourceFile, err))
	}
}

// Classify maps a single URL to its kind using the fixed matcher priority:
// playlist, cloud drive, chat platform, direct download, unknown.
func Classify(raw string) Kind {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return KindUnknown
	}
	host := strings.ToLower(parsed.Hostname())
	lowerPath := strings.ToLower(parsed.Path)

	switch {
	case strings.HasSuffix(lowerPath, ".m3u8") || strings.HasSuffix(lowerPath, ".m3u"):
		return KindStreamingPlaylist
	case cloudDriveHosts[host]:
		return KindCloudDrive
	case chatPlatformHosts[host]:
		return KindChatPlatform
	case directDownloadExts[strings.ToLower(path.Ext(lowerPath))]:
		return KindDirectDownload
	default:
		return KindUnknown
	}
}

// Count returns the number of discovered links.
func (x *Index) Count() int {
	return len(x.Records)
}

// LinkAt returns the record at a dense zero-based index.
func (x *Index) LinkAt(i int) (Record, error) {
	if i < 0 || i >= len(x.Records) {
		return Record{}, fmt.Errorf("%w: %d of %d", ErrNoSuchLink, i, len(x.Records))
	}
	return x.Records[i], nil
}

// Page returns one zero-based page of records.
func (x *Index) Page(page, pageSize int) []Record {
	if pageSize <= 0 || page < 0 {
		return nil
	}
	start := page * pageSize
	if start >= len(x.Records) {
		return nil
	}
	end := start + pageSize
	if end > len(x.Records) {
		end = len(x.Records)
	}
	return x.Records[start:end]
}

// PageCount returns how many pages the index spans at the given page size.
func (x *Index) PageCount(pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (len(x.Records) + pageSize - 1) / pageSize
}
