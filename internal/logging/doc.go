// Package logging provides slog construction, shared attribute helpers, and
// progress log sampling for unpackd.
package logging
