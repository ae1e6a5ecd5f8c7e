package archive

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type tarExtractor struct {
	format Format
}

func (e tarExtractor) Format() Format { return e.format }

func (e tarExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	f, err := os.Open(req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	stream, closeStream, err := e.decompress(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if closeStream != nil {
		defer closeStream()
	}

	// Tar streams carry no member count or total size up front.
	s, err := newSink(req.Workspace, req.OnProgress, 0)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(stream)
	for {
		if err := checkpoint(ctx, req); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := s.writeDir(hdr.Name); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := s.writeMember(hdr.Name, tr, hdr.FileInfo().Mode()); err != nil {
				return nil, err
			}
		default:
			// Links and special files are dropped; they have no place in a
			// browsable extraction result.
			s.result.Warnings = append(s.result.Warnings,
				fmt.Sprintf("skipped non-regular member %q", hdr.Name))
		}
	}

	return s.finish(), nil
}

func (e tarExtractor) decompress(r io.Reader) (io.Reader, func(), error) {
	switch e.format {
	case FormatTar:
		return r, nil, nil
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { gz.Close() }, nil
	case FormatTarBz2:
		return bzip2.NewReader(r), nil, nil
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, nil, nil
	case FormatTarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr.IOReadCloser(), func() { zr.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("not a tar variant: %q", e.format)
	}
}
