// Package archive detects container formats from magic bytes and extracts
// them into a job workspace. Extraction is member granular: each member flows
// through workspace path resolution and the byte budget, progress fires after
// every member, and cancellation is honored at member boundaries.
package archive
