package archive

import "errors"

var (
	// ErrNeedsPassword is returned when an encrypted archive is opened
	// without a password.
	ErrNeedsPassword = errors.New("archive requires a password")

	// ErrBadPassword is returned when the supplied password fails to decrypt.
	// Kept distinct from ErrCorrupt so the retry loop does not re-prompt for
	// an unreadable file.
	ErrBadPassword = errors.New("wrong archive password")

	// ErrCorrupt is returned for archives that cannot be parsed or fail
	// integrity checks.
	ErrCorrupt = errors.New("archive is corrupt")

	// ErrUnsupported is returned for recognized-but-unhandled inputs.
	ErrUnsupported = errors.New("unsupported archive format")

	// ErrCancelled is returned when extraction observes the job's
	// cancellation flag at a member checkpoint.
	ErrCancelled = errors.New("extraction cancelled")
)
