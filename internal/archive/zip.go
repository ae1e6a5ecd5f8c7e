package archive

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yeka/zip"
	"golang.org/x/text/encoding/charmap"
)

type zipExtractor struct{}

func (zipExtractor) Format() Format { return FormatZip }

func (zipExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	rc, err := zip.OpenReader(req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer rc.Close()

	var total int64
	encrypted := false
	for _, f := range rc.File {
		total += int64(f.UncompressedSize64)
		if f.IsEncrypted() {
			encrypted = true
		}
	}
	if encrypted && req.Password == "" {
		return nil, ErrNeedsPassword
	}

	s, err := newSink(req.Workspace, req.OnProgress, total)
	if err != nil {
		return nil, err
	}

	for _, f := range rc.File {
		if err := checkpoint(ctx, req); err != nil {
			return nil, err
		}

		name := decodeZipName(f.Name, f.Flags)
		if f.FileInfo().IsDir() {
			if err := s.writeDir(name); err != nil {
				return nil, err
			}
			continue
		}

		if f.IsEncrypted() {
			f.SetPassword(req.Password)
		}
		fr, err := f.Open()
		if err != nil {
			if f.IsEncrypted() {
				return nil, fmt.Errorf("%w: %v", ErrBadPassword, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		werr := s.writeMember(name, fr, f.Mode())
		cerr := fr.Close()
		if werr != nil {
			// The decrypted stream fails its integrity check on a wrong
			// password, surfacing here as a read error.
			if f.IsEncrypted() {
				return nil, fmt.Errorf("%w: %v", ErrBadPassword, werr)
			}
			return nil, werr
		}
		if cerr != nil && f.IsEncrypted() {
			return nil, fmt.Errorf("%w: %v", ErrBadPassword, cerr)
		}
	}

	return s.finish(), nil
}

// Archives written without the UTF-8 flag carry code page 437 names. Names
// that already decode as UTF-8 are left alone.
func decodeZipName(name string, flags uint16) string {
	const utf8Flag = 0x800
	if flags&utf8Flag != 0 || utf8.ValidString(name) {
		return name
	}
	decoded, err := charmap.CodePage437.NewDecoder().String(name)
	if err != nil || strings.TrimSpace(decoded) == "" {
		return name
	}
	return decoded
}
