package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nwaples/rardecode/v2"

	"unpackd/internal/workspace"
)

type rarExtractor struct{}

func (rarExtractor) Format() Format { return FormatRar }

func (rarExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	var opts []rardecode.Option
	if req.Password != "" {
		opts = append(opts, rardecode.Password(req.Password))
	}
	rc, err := rardecode.OpenReader(req.ArchivePath, opts...)
	if err != nil {
		return nil, classifyEncryptedErr(err, req.Password)
	}
	defer rc.Close()

	// Total uncompressed size is only known after walking every header, so
	// progress runs without a total.
	s, err := newSink(req.Workspace, req.OnProgress, 0)
	if err != nil {
		return nil, err
	}

	for {
		if err := checkpoint(ctx, req); err != nil {
			return nil, err
		}

		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyEncryptedErr(err, req.Password)
		}

		if hdr.IsDir {
			if err := s.writeDir(hdr.Name); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.writeMember(hdr.Name, rc, hdr.Mode()); err != nil {
			if errors.Is(err, workspace.ErrBudgetExceeded) {
				return nil, err
			}
			return nil, classifyEncryptedErr(err, req.Password)
		}
	}

	return s.finish(), nil
}

// classifyEncryptedErr maps decoder failures onto the password error pair.
// The decoders report missing and wrong passwords through error text rather
// than sentinels, so the split keys on whether a password was supplied.
func classifyEncryptedErr(err error, password string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password") || strings.Contains(msg, "encrypted") || strings.Contains(msg, "decrypt") {
		if password == "" {
			return ErrNeedsPassword
		}
		return fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}
