package archive

import (
	"context"
	"errors"

	"github.com/bodgit/sevenzip"

	"unpackd/internal/workspace"
)

type sevenZipExtractor struct{}

func (sevenZipExtractor) Format() Format { return FormatSevenZip }

func (sevenZipExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	rc, err := sevenzip.OpenReaderWithPassword(req.ArchivePath, req.Password)
	if err != nil {
		return nil, classifyEncryptedErr(err, req.Password)
	}
	defer rc.Close()

	var total int64
	for _, f := range rc.File {
		if !f.FileInfo().IsDir() {
			total += f.FileInfo().Size()
		}
	}

	s, err := newSink(req.Workspace, req.OnProgress, total)
	if err != nil {
		return nil, err
	}

	for _, f := range rc.File {
		if err := checkpoint(ctx, req); err != nil {
			return nil, err
		}

		if f.FileInfo().IsDir() {
			if err := s.writeDir(f.Name); err != nil {
				return nil, err
			}
			continue
		}

		fr, err := f.Open()
		if err != nil {
			return nil, classifyEncryptedErr(err, req.Password)
		}
		werr := s.writeMember(f.Name, fr, f.Mode())
		fr.Close()
		if werr != nil {
			if errors.Is(werr, workspace.ErrBudgetExceeded) {
				return nil, werr
			}
			return nil, classifyEncryptedErr(werr, req.Password)
		}
	}

	return s.finish(), nil
}
